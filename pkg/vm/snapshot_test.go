package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHibernateRestore(t *testing.T) {
	prog := loadProgram(t,
		"push bp",
		"mov bp, sp",
		"sub sp, 1",
		"si [-1], 10",
		"loop:",
		"li ax, [-1]",
		"cmp ax, 0",
		"je done",
		"sub ax, 1",
		"si [-1], ax",
		"jmp loop",
		"done:",
		"mov sp, bp",
		"pop bp",
		"ret",
	)

	reference := New(prog, testConfig())
	want, err := reference.Run()
	require.NoError(t, err)

	m := New(prog, testConfig())
	for i := 0; i < 12; i++ {
		_, err := m.Step()
		require.NoError(t, err)
	}
	mid := m.State()
	data, err := m.Hibernate()
	require.NoError(t, err)

	restored := New(prog, testConfig())
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, mid, restored.State())

	got, err := restored.Run()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRestoreRejectsMismatchedStack(t *testing.T) {
	prog := loadProgram(t, "ret")
	data, err := New(prog, testConfig()).Hibernate()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.StackTop = 5000
	err = New(prog, cfg).Restore(data)
	assert.ErrorContains(t, err, "does not match")
}

func TestRestoreRejectsGarbage(t *testing.T) {
	m := New(loadProgram(t, "ret"), testConfig())
	assert.Error(t, m.Restore([]byte("not cbor")))
}

// segmentedProgram loads segments on request and remembers which.
type segmentedProgram struct {
	*testProgram
	loaded []int
}

func (p *segmentedProgram) Loaded() []int { return p.loaded }

func (p *segmentedProgram) EnsureLoaded(index int) error {
	if index > 3 {
		return fmt.Errorf("no library registered for segment %d", index)
	}
	for _, i := range p.loaded {
		if i == index {
			return nil
		}
	}
	p.loaded = append(p.loaded, index)
	return nil
}

func TestRestoreLoadsSegments(t *testing.T) {
	src := &segmentedProgram{testProgram: loadProgram(t, "ret"), loaded: []int{0, 2}}
	data, err := New(src, testConfig()).Hibernate()
	require.NoError(t, err)

	dst := &segmentedProgram{testProgram: loadProgram(t, "ret"), loaded: []int{0}}
	require.NoError(t, New(dst, testConfig()).Restore(data))
	assert.Equal(t, []int{0, 2}, dst.loaded)

	err = New(loadProgram(t, "ret"), testConfig()).Restore(data)
	assert.ErrorContains(t, err, "cannot load segments")

	bad := &segmentedProgram{testProgram: loadProgram(t, "ret"), loaded: []int{0, 7}}
	data, err = New(bad, testConfig()).Hibernate()
	require.NoError(t, err)
	err = New(dst, testConfig()).Restore(data)
	assert.ErrorContains(t, err, "restore segment 7")
}
