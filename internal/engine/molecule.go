package engine

import (
	geoerrors "github.com/copyleftdev/geomopt/internal/errors"
)

// Molecule is the structure handed to the optimizer: element symbols and
// one or more coordinate frames in Angstrom. Multi-frame molecules serve
// path searches that need several structures.
type Molecule struct {
	Elements []string
	Frames   [][]float64
}

// NewMolecule validates and copies its inputs. Every frame must hold
// exactly 3 × len(elements) values.
func NewMolecule(elements []string, frames ...[]float64) (*Molecule, error) {
	if len(elements) == 0 {
		return nil, geoerrors.New(geoerrors.KindPrecondition, "molecule has no atoms").
			WithComponent(component).WithOperation("NewMolecule")
	}
	if len(frames) == 0 {
		return nil, geoerrors.New(geoerrors.KindPrecondition, "molecule has no coordinates").
			WithComponent(component).WithOperation("NewMolecule")
	}

	want := 3 * len(elements)
	m := &Molecule{
		Elements: append([]string(nil), elements...),
		Frames:   make([][]float64, len(frames)),
	}
	for i, f := range frames {
		if len(f) != want {
			return nil, geoerrors.Errorf(geoerrors.KindMarshal,
				"frame %d has %d coordinates, expected %d for %d atoms", i, len(f), want, len(elements)).
				WithComponent(component).WithOperation("NewMolecule")
		}
		m.Frames[i] = append([]float64(nil), f...)
	}
	return m, nil
}

// NumAtoms returns the number of atoms.
func (m *Molecule) NumAtoms() int { return len(m.Elements) }

// CoordLen returns the length of one coordinate buffer.
func (m *Molecule) CoordLen() int { return 3 * len(m.Elements) }
