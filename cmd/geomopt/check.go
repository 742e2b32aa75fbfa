package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/geomopt/internal/optimization/geometric"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the geometric backend can start",
	RunE: func(cmd *cobra.Command, args []string) error {
		python := cfg.Optimizer.Python
		if pythonPath != "" {
			python = pythonPath
		}
		if err := geometric.Check(cmd.Context(), python); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s can import geometric\n", python)
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVar(&pythonPath, "python", "", "Python interpreter to check")
	rootCmd.AddCommand(checkCmd)
}
