package main

import (
	"fmt"

	"github.com/copyleftdev/geomopt/internal/engine"
	"github.com/copyleftdev/geomopt/internal/evaluator"
	"github.com/copyleftdev/geomopt/internal/params"
)

// jobFile is a job description read from TOML or YAML:
//
//	model = "harmonic"          # blank, constant or harmonic
//	energy = -1.0               # constant model only
//	backend = "geometric"       # optional, overrides GEOMOPT_BACKEND
//	log = "opt.log"             # optional optimizer log
//
//	[molecule]
//	elem = ["O", "H", "H"]
//	xyzs = [[0.0, 0.3, 0.0, 0.9, 0.8, 0.0, -0.9, 0.5, 0.0]]
//
//	[params]                    # handed to the optimizer as is
//	convergence_energy = 1e-6
type jobFile struct {
	Model    string
	Energy   float64
	Backend  string
	Log      string
	Molecule *engine.Molecule
	Params   params.Dict
}

func loadJobFile(path string) (*jobFile, error) {
	doc, err := params.ParseFile(path)
	if err != nil {
		return nil, err
	}

	job := &jobFile{Model: "harmonic"}
	if job.Model, err = optionalString(doc, "model", job.Model); err != nil {
		return nil, err
	}
	if job.Backend, err = optionalString(doc, "backend", ""); err != nil {
		return nil, err
	}
	if job.Log, err = optionalString(doc, "log", ""); err != nil {
		return nil, err
	}
	if v, ok := doc.Get("energy"); ok {
		f, isNum := v.AsFloat()
		if !isNum {
			return nil, fmt.Errorf("%s: energy must be a number, got %s", path, v.Kind())
		}
		job.Energy = f
	}

	mol, ok := doc.Table("molecule")
	if !ok {
		return nil, fmt.Errorf("%s: missing [molecule] table", path)
	}
	if job.Molecule, err = parseMolecule(mol); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if p, ok := doc.Table("params"); ok {
		if job.Params, err = params.ToForeign(p); err != nil {
			return nil, err
		}
	} else {
		job.Params = params.Dict{}
	}
	return job, nil
}

func optionalString(doc *params.Document, key, def string) (string, error) {
	v, ok := doc.Get(key)
	if !ok {
		return def, nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", key, v.Kind())
	}
	return s, nil
}

// parseMolecule accepts xyzs as a list of flat frames or as a single flat
// frame.
func parseMolecule(doc *params.Document) (*engine.Molecule, error) {
	elemValue, ok := doc.Get("elem")
	if !ok {
		return nil, fmt.Errorf("molecule.elem is required")
	}
	elemList, ok := elemValue.AsArray()
	if !ok {
		return nil, fmt.Errorf("molecule.elem must be an array")
	}
	elem := make([]string, len(elemList))
	for i, v := range elemList {
		s, ok := v.AsString()
		if !ok {
			return nil, fmt.Errorf("molecule.elem[%d] must be a string", i)
		}
		elem[i] = s
	}

	xyzsValue, ok := doc.Get("xyzs")
	if !ok {
		return nil, fmt.Errorf("molecule.xyzs is required")
	}
	outer, ok := xyzsValue.AsArray()
	if !ok || len(outer) == 0 {
		return nil, fmt.Errorf("molecule.xyzs must be a non-empty array")
	}

	var frames [][]float64
	if _, nested := outer[0].AsArray(); nested {
		for i, f := range outer {
			inner, ok := f.AsArray()
			if !ok {
				return nil, fmt.Errorf("molecule.xyzs[%d] must be an array", i)
			}
			frame, err := floatList(inner, fmt.Sprintf("molecule.xyzs[%d]", i))
			if err != nil {
				return nil, err
			}
			frames = append(frames, frame)
		}
	} else {
		frame, err := floatList(outer, "molecule.xyzs")
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	return engine.NewMolecule(elem, frames...)
}

func floatList(vs []params.Value, path string) ([]float64, error) {
	out := make([]float64, len(vs))
	for i, v := range vs {
		f, ok := v.AsFloat()
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a number, got %s", path, i, v.Kind())
		}
		out[i] = f
	}
	return out, nil
}

// newEvaluator builds the model a job file names.
func (j *jobFile) newEvaluator() (evaluator.Evaluator, error) {
	switch j.Model {
	case "blank":
		return evaluator.Blank{}, nil
	case "constant":
		return evaluator.Constant{Energy: j.Energy}, nil
	case "harmonic":
		if j.Molecule.NumAtoms() != 3 {
			return nil, fmt.Errorf("the harmonic model needs 3 atoms, molecule has %d", j.Molecule.NumAtoms())
		}
		return evaluator.NewHarmonic(), nil
	}
	return nil, fmt.Errorf("unknown model %q (want blank, constant or harmonic)", j.Model)
}
