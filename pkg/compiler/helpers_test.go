package compiler

import (
	"strings"
	"testing"
)

// Tree builders keep the test programs readable.

func num(v int64) *Literal             { return &Literal{Value: v} }
func ref(name string) *VarRef          { return &VarRef{Name: name} }
func bin(op Op, l, r Expr) *BinaryExpr { return &BinaryExpr{Op: op, Left: l, Right: r} }
func un(op Op, e Expr) *UnaryExpr      { return &UnaryExpr{Op: op, Operand: e} }
func call(name string, args ...Expr) *FunctionCall {
	return &FunctionCall{Name: name, Args: args}
}

func decl(name string, init Expr) *VariableDecl { return &VariableDecl{Name: name, Init: init} }
func set(name string, v Expr) *Assignment       { return &Assignment{Target: ref(name), Value: v} }
func ret(e Expr) *ReturnStmt                    { return &ReturnStmt{Expr: e} }
func block(stmts ...Stmt) *BlockStmt            { return &BlockStmt{Stmts: stmts} }

func fn(name string, params []string, body ...Stmt) *FunctionDecl {
	return &FunctionDecl{Name: name, Params: params, Body: block(body...)}
}

// assertContains checks if the generated code contains the expected substring.
func assertContains(t *testing.T, code, expected string) {
	t.Helper()
	if !strings.Contains(code, expected) {
		t.Errorf("Expected code to contain %q, but it didn't.\nCode:\n%s", expected, code)
	}
}

func compileText(t *testing.T, f *FunctionDecl) string {
	t.Helper()
	out, err := CompileFunction(f, DefaultOptions())
	if err != nil {
		t.Fatalf("CompileFunction failed: %v", err)
	}
	return out.Text
}
