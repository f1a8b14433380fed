package hook

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"
)

// Line reads the raw electrical level of the hook input. true = high.
type Line interface {
	Read() (bool, error)
}

// FileLine reads the level from a sysfs-style value file ("0"/"1"), the
// conventional exported-GPIO interface on the target hardware.
type FileLine struct {
	Path string
}

// Read implements Line.
func (l FileLine) Read() (bool, error) {
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		return false, fmt.Errorf("read gpio value %s: %w", l.Path, err)
	}
	switch string(bytes.TrimSpace(raw)) {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("unexpected gpio value %q in %s", bytes.TrimSpace(raw), l.Path)
	}
}

// MemoryLine is an in-process Line for tests and hardware-less development.
type MemoryLine struct {
	level atomic.Bool
}

// NewMemoryLine creates a line at the given initial level.
func NewMemoryLine(high bool) *MemoryLine {
	l := &MemoryLine{}
	l.level.Store(high)
	return l
}

// Set changes the level.
func (l *MemoryLine) Set(high bool) { l.level.Store(high) }

// Toggle flips the level.
func (l *MemoryLine) Toggle() { l.level.Store(!l.level.Load()) }

// Read implements Line.
func (l *MemoryLine) Read() (bool, error) { return l.level.Load(), nil }
