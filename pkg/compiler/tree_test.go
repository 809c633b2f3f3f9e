package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const treeSource = `
- func: add
  params: [a, b]
  body:
    - return: {bin: "+", left: a, right: b}
- func: main
  body:
    - decl: x
      init: {bin: "*", left: {bin: "+", left: 3, right: 4}, right: 2}
    - decl: p
      init: {addr: x}
    - assign: {deref: p}
      value: {unary: "-", operand: 1}
    - if: {bin: "<", left: x, right: 0}
      then:
        - assign: x
          value: {call: add, args: [x, 10]}
      else:
        - expr: {call: add}
    - while: true
      body:
        - break
    - for:
        init: {decl: i, init: 0}
        cond: {bin: "<", left: i, right: 3}
        update: {assign: i, value: {bin: "+", left: i, right: 1}}
      body:
        - continue
    - block:
        - decl: y
    - return: x
`

func TestParseTree(t *testing.T) {
	got, err := ParseTree([]byte(treeSource))
	require.NoError(t, err)

	want := []Stmt{
		fn("add", []string{"a", "b"}, ret(bin(OpAdd, ref("a"), ref("b")))),
		fn("main", nil,
			decl("x", bin(OpMul, bin(OpAdd, num(3), num(4)), num(2))),
			decl("p", un(OpAddr, ref("x"))),
			&Assignment{Target: un(OpDeref, ref("p")), Value: un(OpNeg, num(1))},
			&IfStmt{
				Condition: bin(OpLt, ref("x"), num(0)),
				Body:      block(set("x", call("add", ref("x"), num(10)))),
				ElseBody:  block(&ExprStmt{Expr: call("add")}),
			},
			&WhileStmt{Condition: num(1), Body: block(&BreakStmt{})},
			&ForStmt{
				Init: decl("i", num(0)),
				Cond: bin(OpLt, ref("i"), num(3)),
				Post: set("i", bin(OpAdd, ref("i"), num(1))),
				Body: block(&ContinueStmt{}),
			},
			block(decl("y", nil)),
			ret(ref("x")),
		),
	}
	assert.Equal(t, want, got)
}

func TestParseTree_Compiles(t *testing.T) {
	stmts, err := ParseTree([]byte(treeSource))
	require.NoError(t, err)
	prog, err := Compile(stmts, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, prog.Functions, 2)
}

func TestParseTree_Empty(t *testing.T) {
	stmts, err := ParseTree(nil)
	require.NoError(t, err)
	assert.Empty(t, stmts)
}

func TestParseTree_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		msg   string
	}{
		{"not a list", "func: main", "line 1: expected a list of statements"},
		{"unknown statement", "- func: main\n  body:\n    - goto: x\n", "line 3: unknown statement kind 'goto'"},
		{"unknown key", "- func: main\n  returns: int\n", "line 2: unexpected key 'returns'"},
		{"bad name", "- func: 12\n", "line 1: function name must be an identifier"},
		{"bad operator", "- func: main\n  body:\n    - return: {bin: \"<<\", left: 1, right: 2}\n", "line 3: unknown binary operator '<<'"},
		{"bad expression", "- func: main\n  body:\n    - return: \"1x\"\n", "line 3: invalid expression '1x'"},
		{"assignment without value", "- func: main\n  body:\n    - assign: x\n", "line 3: assignment without value"},
		{"bad scalar statement", "- func: main\n  body:\n    - halt\n", "line 3: unknown statement 'halt'"},
		{"malformed yaml", "- func: [", "statement tree"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTree([]byte(tc.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}
