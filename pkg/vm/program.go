package vm

// SegmentSize is the number of addressable slots in one dynamic-link segment.
const SegmentSize = 1000

// Program is a linked image the machine can execute. Static images expose a
// single flat address space; dynamic images resolve symbolic call targets by
// loading library segments on demand.
type Program interface {
	// Entry is the address execution starts at.
	Entry() int
	// Fetch returns the instruction at addr. Instructions are validated when
	// the program is built; the machine does not check them again.
	Fetch(addr int) (Instruction, error)
	// Next returns the address of the instruction after addr in program
	// order within its segment.
	Next(addr int) (int, bool)
	// Resolve turns a symbolic call target into an absolute address.
	Resolve(symbol string) (int, error)
	// Segment reports the segment addr belongs to.
	Segment(addr int) int
}

// SegmentLoader is implemented by programs that load segments on demand.
// Hibernate records the loaded segments so Restore can load them into a
// freshly linked program before resuming.
type SegmentLoader interface {
	Loaded() []int
	EnsureLoaded(index int) error
}
