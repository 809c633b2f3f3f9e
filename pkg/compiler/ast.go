package compiler

import (
	"fmt"
	"strings"
)

// Op names an operator of the source language.
type Op string

const (
	OpAdd    Op = "+"
	OpSub    Op = "-"
	OpMul    Op = "*"
	OpDiv    Op = "/"
	OpMod    Op = "%"
	OpPow    Op = "**"
	OpEq     Op = "=="
	OpNe     Op = "!="
	OpLt     Op = "<"
	OpLe     Op = "<="
	OpGt     Op = ">"
	OpGe     Op = ">="
	OpBitAnd Op = "&"
	OpAnd    Op = "&&"
	OpOr     Op = "||"

	OpNeg   Op = "neg"
	OpNot   Op = "!"
	OpAddr  Op = "addr"
	OpDeref Op = "deref"
)

func (op Op) isComparison() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

func (op Op) isBinary() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpBitAnd, OpAnd, OpOr:
		return true
	}
	return op.isComparison()
}

//  Expression nodes

// Expr is implemented by every node that produces a value.
// genExpr always leaves the result in ax.
type Expr interface {
	exprNode()
	String() string
}

// Literal is an integer constant.
//
//	int x = 10;
//	        ^^  Literal{Value: 10}
type Literal struct {
	Value int64
}

func (*Literal) exprNode()        {}
func (l *Literal) String() string { return fmt.Sprintf("%d", l.Value) }

// VarRef is a read of a named variable.
//
//	return x;
//	       ^  VarRef{Name: "x"}
type VarRef struct {
	Name string
}

func (*VarRef) exprNode()        {}
func (v *VarRef) String() string { return v.Name }

// BinaryExpr represents a binary operation: Left Op Right.
//
//	x + 1
//	^ ^ ^
//	| | |
//	| | Right
//	| Op
//	Left
type BinaryExpr struct {
	Op    Op
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// UnaryExpr represents Op Operand: -x, !x, &x, *p.
type UnaryExpr struct {
	Op      Op
	Operand Expr
}

func (*UnaryExpr) exprNode() {}
func (u *UnaryExpr) String() string {
	switch u.Op {
	case OpAddr:
		return fmt.Sprintf("&%s", u.Operand)
	case OpDeref:
		return fmt.Sprintf("*%s", u.Operand)
	case OpNeg:
		return fmt.Sprintf("-%s", u.Operand)
	}
	return fmt.Sprintf("%s%s", u.Op, u.Operand)
}

// FunctionCall represents name(args)
type FunctionCall struct {
	Name string
	Args []Expr
}

func (*FunctionCall) exprNode() {}
func (c *FunctionCall) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ", "))
}

//  Statement nodes

// Stmt is implemented by every node that does not produce a value.
type Stmt interface {
	stmtNode()
	String() string
}

// VariableDecl represents  int name = expr;  Init may be nil, in which case
// the variable starts at zero.
type VariableDecl struct {
	Name string
	Init Expr
}

func (*VariableDecl) stmtNode() {}
func (d *VariableDecl) String() string {
	if d.Init == nil {
		return fmt.Sprintf("int %s", d.Name)
	}
	return fmt.Sprintf("int %s = %s", d.Name, d.Init)
}

// Assignment represents  Target = Value;  Target is a VarRef or a
// dereference chain.
type Assignment struct {
	Target Expr
	Value  Expr
}

func (*Assignment) stmtNode() {}
func (a *Assignment) String() string {
	return fmt.Sprintf("%s = %s", a.Target, a.Value)
}

// ReturnStmt represents  return expr;  Expr may be nil.
type ReturnStmt struct {
	Expr Expr
}

func (*ReturnStmt) stmtNode() {}
func (r *ReturnStmt) String() string {
	if r.Expr == nil {
		return "return"
	}
	return fmt.Sprintf("return %s", r.Expr)
}

// BlockStmt represents { statement; ... }
type BlockStmt struct {
	Stmts []Stmt
}

func (*BlockStmt) stmtNode() {}
func (b *BlockStmt) String() string {
	return fmt.Sprintf("BlockStmt(len=%d)", len(b.Stmts))
}

// IfStmt represents if (cond) body [else elseBody]
type IfStmt struct {
	Condition Expr
	Body      Stmt
	ElseBody  Stmt // may be nil
}

func (*IfStmt) stmtNode() {}
func (i *IfStmt) String() string {
	if i.ElseBody != nil {
		return fmt.Sprintf("if %s", i.Condition)
	}
	return fmt.Sprintf("if %s (no else)", i.Condition)
}

// WhileStmt represents while (cond) body
type WhileStmt struct {
	Condition Expr
	Body      Stmt
}

func (*WhileStmt) stmtNode() {}
func (w *WhileStmt) String() string {
	return fmt.Sprintf("while %s", w.Condition)
}

// ForStmt represents for (init; cond; post) body. Any of Init, Cond and
// Post may be nil.
type ForStmt struct {
	Init Stmt
	Cond Expr
	Post Stmt
	Body Stmt
}

func (*ForStmt) stmtNode() {}
func (f *ForStmt) String() string {
	return fmt.Sprintf("for (%v; %v; %v)", f.Init, f.Cond, f.Post)
}

// FunctionDecl represents int name(params) { body }
type FunctionDecl struct {
	Name   string
	Params []string
	Body   *BlockStmt
}

func (*FunctionDecl) stmtNode() {}
func (f *FunctionDecl) String() string {
	return fmt.Sprintf("int %s(%s)", f.Name, strings.Join(f.Params, ", "))
}

// ExprStmt represents an expression evaluated for its side effects (e.g. a function call).
type ExprStmt struct {
	Expr Expr
}

func (*ExprStmt) stmtNode() {}
func (e *ExprStmt) String() string {
	return e.Expr.String()
}

// BreakStmt represents break;
type BreakStmt struct{}

func (*BreakStmt) stmtNode()        {}
func (s *BreakStmt) String() string { return "break" }

// ContinueStmt represents continue;
type ContinueStmt struct{}

func (*ContinueStmt) stmtNode()        {}
func (s *ContinueStmt) String() string { return "continue" }

//  Markers inserted by the CFG builder

// CheckPoint delimits a lexical scope. A StartCheckPoint and its matching
// EndCheckPoint carry the same ID and Names.
type CheckPoint struct {
	Start bool
	ID    int
	Depth int
	Names []string
}

func (*CheckPoint) stmtNode() {}
func (c *CheckPoint) String() string {
	kind := "EndCheckPoint"
	if c.Start {
		kind = "StartCheckPoint"
	}
	return fmt.Sprintf("%s(#%d depth=%d [%s])", kind, c.ID, c.Depth, strings.Join(c.Names, ", "))
}

func (c *CheckPoint) end() *CheckPoint {
	return &CheckPoint{ID: c.ID, Depth: c.Depth, Names: c.Names}
}

// CondStmt ends a block with two successors; the first is taken when Expr
// is non-zero.
type CondStmt struct {
	Expr Expr
}

func (*CondStmt) stmtNode()        {}
func (c *CondStmt) String() string { return fmt.Sprintf("cond %s", c.Expr) }
