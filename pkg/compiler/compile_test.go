package compiler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	prog, err := Compile([]Stmt{
		fn("double", []string{"x"}, ret(bin(OpMul, ref("x"), num(2)))),
		fn("unused", nil, ret(num(0))),
		fn("main", nil, ret(call("double", call("ext", num(21))))),
	}, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, prog.Functions, 2)
	assert.Equal(t, "main", prog.Functions[0].Name)
	assert.Equal(t, "double", prog.Functions[1].Name)
	assert.Equal(t, []string{"ext"}, prog.Externals)
	assert.Equal(t, []string{"unused"}, prog.Dropped)

	text := prog.Text()
	assert.True(t, strings.HasPrefix(text, "; function main()\nmain:\n"))
	assertContains(t, text, "\n; function double(x)\ndouble:\n")
	assert.NotContains(t, text, "unused")
}

func TestCompile_Library(t *testing.T) {
	prog, err := Compile([]Stmt{
		fn("square", []string{"x"}, ret(bin(OpMul, ref("x"), ref("x")))),
		fn("cube", []string{"x"}, ret(bin(OpMul, ref("x"), call("square", ref("x"))))),
	}, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, prog.Functions, 2)
	assert.Empty(t, prog.Externals)
	assert.Empty(t, prog.Dropped)
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile([]Stmt{decl("g", num(1))}, DefaultOptions())
	assert.ErrorContains(t, err, "is not a function declaration")

	_, err = Compile([]Stmt{fn("f", nil), fn("f", nil)}, DefaultOptions())
	assert.ErrorContains(t, err, "function 'f' declared twice")

	_, err = Compile([]Stmt{fn("main", nil, &BreakStmt{})}, DefaultOptions())
	assert.ErrorContains(t, err, "break outside of a loop")

	stmts, err := ParseTree([]byte(`
- func: ax
  body:
    - return: 1
- func: main
  body:
    - return: {call: ax}
`))
	require.NoError(t, err)
	_, err = Compile(stmts, DefaultOptions())
	assert.ErrorContains(t, err, "function name 'ax' is reserved for a register")
}
