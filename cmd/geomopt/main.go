// Command geomopt runs geometry optimizations with a built-in evaluator
// model, in-process or through geomeTRIC.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
