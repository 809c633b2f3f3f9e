package vm

import (
	"fmt"

	"golang.org/x/exp/maps"
)

// Stack is the sparse, bounded data memory of the machine. Valid addresses
// are [top-size, top); the stack grows downward from top.
type Stack struct {
	top   int64
	size  int64
	cells map[int64]int64
}

func newStack(top, size int64) *Stack {
	return &Stack{
		top:   top,
		size:  size,
		cells: make(map[int64]int64),
	}
}

func (s *Stack) inBounds(addr int64) bool {
	return addr < s.top && addr >= s.top-s.size
}

// Load returns the value at addr. Slots that were never written read as 0.
func (s *Stack) Load(addr int64) (int64, error) {
	if !s.inBounds(addr) {
		return 0, fmt.Errorf("load from address %d outside stack [%d, %d)", addr, s.top-s.size, s.top)
	}
	return s.cells[addr], nil
}

// Store writes v at addr.
func (s *Stack) Store(addr, v int64) error {
	if !s.inBounds(addr) {
		return fmt.Errorf("store to address %d outside stack [%d, %d)", addr, s.top-s.size, s.top)
	}
	s.cells[addr] = v
	return nil
}

// drop forgets the slot at addr after a pop.
func (s *Stack) drop(addr int64) {
	delete(s.cells, addr)
}

func (s *Stack) snapshot() map[int64]int64 {
	return maps.Clone(s.cells)
}

func (s *Stack) reset() {
	maps.Clear(s.cells)
}
