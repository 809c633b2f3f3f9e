package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// hibernateVersion guards against restoring an incompatible encoding.
const hibernateVersion = 1

type hibernateImage struct {
	Version   int   `cbor:"version"`
	StackTop  int64 `cbor:"stack_top"`
	StackSize int64 `cbor:"stack_size"`
	State     State `cbor:"state"`

	// Segments lists the loaded segments of a SegmentLoader program.
	Segments []int `cbor:"segments,omitempty"`
}

// Hibernate serialises the machine state to CBOR. The program itself is not
// included; Restore must be called on a machine built over the same image,
// or a relinked copy of it when segments are loaded on demand.
func (m *VM) Hibernate() ([]byte, error) {
	img := hibernateImage{
		Version:   hibernateVersion,
		StackTop:  m.cfg.StackTop,
		StackSize: m.cfg.StackSize,
		State:     m.State(),
	}
	if loader, ok := m.prog.(SegmentLoader); ok {
		img.Segments = loader.Loaded()
	}
	data, err := cbor.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("marshal vm state: %w", err)
	}
	return data, nil
}

// Restore replaces the machine state with a hibernated one.
func (m *VM) Restore(data []byte) error {
	var img hibernateImage
	if err := cbor.Unmarshal(data, &img); err != nil {
		return fmt.Errorf("unmarshal vm state: %w", err)
	}
	if img.Version != hibernateVersion {
		return fmt.Errorf("unsupported hibernate version %d", img.Version)
	}
	if img.StackTop != m.cfg.StackTop || img.StackSize != m.cfg.StackSize {
		return fmt.Errorf("hibernated stack [%d, %d) does not match machine stack [%d, %d)",
			img.StackTop-img.StackSize, img.StackTop, m.cfg.StackTop-m.cfg.StackSize, m.cfg.StackTop)
	}

	if len(img.Segments) > 0 {
		loader, ok := m.prog.(SegmentLoader)
		if !ok {
			return fmt.Errorf("hibernated state needs segments %v but the program cannot load segments", img.Segments)
		}
		for _, index := range img.Segments {
			if err := loader.EnsureLoaded(index); err != nil {
				return fmt.Errorf("restore segment %d: %w", index, err)
			}
		}
	}

	st := img.State
	m.stack.reset()
	for addr, v := range st.Stack {
		if err := m.stack.Store(addr, v); err != nil {
			return err
		}
	}
	m.regs[RegAX], m.regs[RegBX], m.regs[RegSP], m.regs[RegBP] = st.AX, st.BX, st.SP, st.BP
	m.greater, m.equal, m.less = st.Greater, st.Equal, st.Less
	m.pc = st.PC
	m.halted = st.Halted
	m.cycles = st.Cycles
	m.segment = st.Segment
	return nil
}
