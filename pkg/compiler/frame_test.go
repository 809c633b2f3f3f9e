package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Params(t *testing.T) {
	f := NewFrame([]string{"a", "b"})

	off, err := f.Offset("a")
	require.NoError(t, err)
	assert.Equal(t, 2, off)
	off, err = f.Offset("b")
	require.NoError(t, err)
	assert.Equal(t, 3, off)

	_, err = f.Offset("c")
	assert.EqualError(t, err, "undefined variable 'c'")
}

func TestFrame_PendingUntilInitialized(t *testing.T) {
	f := NewFrame(nil)
	off, err := f.DeclareFunctionLevel("x")
	require.NoError(t, err)
	assert.Equal(t, -1, off)

	_, err = f.Offset("x")
	assert.Error(t, err, "declared but not yet initialized")

	require.NoError(t, f.MarkInitialized("x"))
	off, err = f.Offset("x")
	require.NoError(t, err)
	assert.Equal(t, -1, off)
}

func TestFrame_Shadowing(t *testing.T) {
	f := NewFrame([]string{"x"})
	_, err := f.DeclareFunctionLevel("x")
	require.NoError(t, err)

	// The parameter stays visible until the local is initialized.
	off, _ := f.Offset("x")
	assert.Equal(t, 2, off)
	require.NoError(t, f.MarkInitialized("x"))
	off, _ = f.Offset("x")
	assert.Equal(t, -1, off)

	size, err := f.EnterScope(1, []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	assert.Equal(t, 1, f.Depth())

	off, _ = f.Offset("x")
	assert.Equal(t, -1, off, "inner x is pending")
	require.NoError(t, f.MarkInitialized("x"))
	off, _ = f.Offset("x")
	assert.Equal(t, -2, off)

	size, err = f.ExitScope(1)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	assert.Equal(t, 0, f.Depth())
	off, _ = f.Offset("x")
	assert.Equal(t, -1, off)
	_, err = f.Offset("y")
	assert.Error(t, err)
}

func TestFrame_DistinctOffsets(t *testing.T) {
	f := NewFrame(nil)
	for _, name := range []string{"a", "b", "c"} {
		_, err := f.DeclareFunctionLevel(name)
		require.NoError(t, err)
	}
	_, err := f.EnterScope(1, []string{"a", "d"})
	require.NoError(t, err)
	_, err = f.EnterScope(2, []string{"e"})
	require.NoError(t, err)

	seen := make(map[int]string)
	for _, b := range f.Bindings() {
		if other, ok := seen[b.Offset]; ok {
			t.Fatalf("offset %d shared by %s and %s", b.Offset, other, b.Name)
		}
		seen[b.Offset] = b.Name
		assert.Less(t, b.Offset, 0)
	}
	assert.Len(t, seen, 6)

	// Slots freed by a closed scope are reused by the next one.
	_, err = f.ExitScope(2)
	require.NoError(t, err)
	_, err = f.EnterScope(3, []string{"f"})
	require.NoError(t, err)
	require.NoError(t, f.MarkInitialized("f"))
	off, _ := f.Offset("f")
	assert.Equal(t, -6, off)
}

func TestFrame_SnapshotRestore(t *testing.T) {
	f := NewFrame(nil)
	_, err := f.DeclareFunctionLevel("x")
	require.NoError(t, err)
	before := f.Save()

	_, err = f.EnterScope(1, []string{"y"})
	require.NoError(t, err)
	require.NoError(t, f.MarkInitialized("x"))
	require.NoError(t, f.MarkInitialized("y"))
	inside := f.Save()
	assert.False(t, before.Equal(inside))

	f.Restore(before)
	assert.True(t, before.Equal(f.Save()))
	assert.Equal(t, 0, f.Depth())
	_, err = f.Offset("x")
	assert.Error(t, err, "the restored state predates the initialization")

	f.Restore(inside)
	off, err := f.Offset("y")
	require.NoError(t, err)
	assert.Equal(t, -2, off)
	off, err = f.Offset("x")
	require.NoError(t, err)
	assert.Equal(t, -1, off)
}

func TestFrame_SnapshotEquality(t *testing.T) {
	a := NewFrame(nil)
	b := NewFrame(nil)
	for _, f := range []*Frame{a, b} {
		_, err := f.DeclareFunctionLevel("x")
		require.NoError(t, err)
		_, err = f.EnterScope(4, []string{"y"})
		require.NoError(t, err)
	}
	assert.True(t, a.Save().Equal(b.Save()), "structurally equal frames")

	pending := a.Save()
	require.NoError(t, a.MarkInitialized("x"))
	assert.False(t, pending.Equal(a.Save()))
	assert.True(t, pending.SameLayout(a.Save()))

	_, err := b.EnterScope(5, nil)
	require.NoError(t, err)
	assert.False(t, pending.SameLayout(b.Save()))
}

func TestFrame_Errors(t *testing.T) {
	f := NewFrame(nil)
	_, err := f.DeclareFunctionLevel("x")
	require.NoError(t, err)
	_, err = f.DeclareFunctionLevel("x")
	assert.ErrorContains(t, err, "declared twice at function level")

	_, err = f.ExitScope(1)
	assert.ErrorContains(t, err, "no open block scope")

	_, err = f.EnterScope(functionScopeID, nil)
	assert.ErrorContains(t, err, "reserved")
	_, err = f.EnterScope(1, []string{"y", "y"})
	assert.ErrorContains(t, err, "declared twice in scope #1")

	_, err = f.EnterScope(2, nil)
	require.NoError(t, err)
	_, err = f.EnterScope(3, nil)
	require.NoError(t, err)
	_, err = f.ExitScope(2)
	assert.ErrorContains(t, err, "while scope #3 is innermost")

	_, err = f.DeclareFunctionLevel("z")
	assert.ErrorContains(t, err, "inside block scope #3")

	assert.ErrorContains(t, f.MarkInitialized("nope"), "no slot")
}

func TestFrame_String(t *testing.T) {
	f := NewFrame([]string{"p"})
	_, err := f.DeclareFunctionLevel("x")
	require.NoError(t, err)
	_, err = f.EnterScope(1, []string{"y"})
	require.NoError(t, err)

	s := f.String()
	assert.Contains(t, s, "Params:\n")
	assert.Contains(t, s, "Scope #0 (depth 0):\n")
	assert.Contains(t, s, "Scope #1 (depth 1):\n")
	assert.Regexp(t, `y\s+Offset: -2 \(initialized: false\)`, s)
}
