//go:build !linux

package hw

import "fmt"

type LineSpec struct {
	Chip   string
	Offset int
	Name   string
}

func (s LineSpec) String() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s:%d", s.Chip, s.Offset)
}

func OpenSwitch(LineSpec) (Switch, error) { return nil, ErrUnsupported }

func WatchRising(LineSpec, EdgeFunc) (Closer, error) { return nil, ErrUnsupported }
