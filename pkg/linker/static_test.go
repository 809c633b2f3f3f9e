package linker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccvm/pkg/vm"
)

const mainText = `main:
    push bp
    mov bp, sp
    call double
    jmp main.exit_block
main.exit_block:
    mov sp, bp
    pop bp
    ret
`

const doubleText = `; doubles 21
double:
    mov ax, 21
    add ax, ax
    ret
`

func TestLinkAssignsSequentialAddresses(t *testing.T) {
	img, err := Link(Unit{Name: "main", Text: mainText}, Unit{Name: "double", Text: doubleText})
	require.NoError(t, err)

	require.Len(t, img.Instructions, 10)
	for i, in := range img.Instructions {
		assert.Equal(t, i, in.Addr)
	}
	assert.Equal(t, map[string]int{"main": 0, "main.exit_block": 4, "double": 7}, img.Labels)
	assert.Equal(t, 0, img.Entry())

	call := img.Instructions[2]
	assert.Equal(t, vm.OpCall, call.Op)
	assert.Equal(t, vm.Imm(7), call.Args[0])
	assert.Equal(t, vm.Imm(4), img.Instructions[3].Args[0])
}

func TestLinkOutputFormat(t *testing.T) {
	img, err := Link(Unit{Name: "main", Text: mainText}, Unit{Name: "double", Text: doubleText})
	require.NoError(t, err)

	want := `[0] push bp ; main
[1] mov bp, sp
[2] call 7
[3] jmp 4
[4] mov sp, bp ; main.exit_block
[5] pop bp
[6] ret
[7] mov ax, 21 ; double
[8] add ax, ax
[9] ret
`
	assert.Equal(t, want, img.Text())
}

func TestRelinkIsIdempotent(t *testing.T) {
	units := []Unit{{Name: "main", Text: mainText}, {Name: "double", Text: doubleText}}
	first, err := Link(units...)
	require.NoError(t, err)
	second, err := Link(units...)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, first.Text(), second.Text())

	// Linked text links to the same addresses again.
	third, err := Link(Unit{Name: "linked", Text: first.Text()})
	require.NoError(t, err)
	assert.Equal(t, first.Instructions, third.Instructions)
}

func TestLinkCollectsAllUnresolvedLabels(t *testing.T) {
	_, err := Link(Unit{Name: "main", Text: `main:
    call missing_one
    jmp main.nowhere
    call missing_two
    ret
`})
	require.Error(t, err)

	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, []string{"missing_one", "main.nowhere", "missing_two"}, linkErr.Symbols)
	assert.Len(t, linkErr.Errors(), 3)
	assert.Contains(t, err.Error(), "missing_two")
}

func TestLinkRejectsDuplicateLabels(t *testing.T) {
	_, err := Link(
		Unit{Name: "a", Text: "f:\n    ret\n"},
		Unit{Name: "b", Text: "f:\n    ret\n"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate label 'f'")
}

func TestLinkRejectsMalformedText(t *testing.T) {
	for _, text := range []string{
		"main:\n    bogus ax\n",
		"main:\n    mov 1, ax\n",
		"1abc:\n    ret\n",
	} {
		_, err := Link(Unit{Name: "bad", Text: text})
		assert.Error(t, err, text)
	}
}

func TestLinkUsesConfiguredEntry(t *testing.T) {
	img, err := NewLinker("start").Link(Unit{Name: "u", Text: "helper:\n    ret\nstart:\n    ret\n"})
	require.NoError(t, err)
	assert.Equal(t, 1, img.Entry())

	img, err = NewLinker("absent").Link(Unit{Name: "u", Text: "helper:\n    ret\n"})
	require.NoError(t, err)
	assert.Equal(t, 0, img.Entry())
}

func TestImageAsProgram(t *testing.T) {
	img, err := Link(Unit{Name: "main", Text: mainText}, Unit{Name: "double", Text: doubleText})
	require.NoError(t, err)

	m := vm.New(img, vm.DefaultConfig())
	st, err := m.Run()
	require.NoError(t, err)
	assert.Equal(t, int64(42), st.AX)
	assert.Equal(t, vm.DefaultConfig().StackTop, st.SP)

	_, err = img.Fetch(10)
	assert.Error(t, err)
	_, ok := img.Next(9)
	assert.False(t, ok)
	addr, err := img.Resolve("double")
	require.NoError(t, err)
	assert.Equal(t, 7, addr)
}
