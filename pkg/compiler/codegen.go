package compiler

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

// CodeGen linearizes one function's CFG into labelled instruction text.
type CodeGen struct {
	g      *ControlFlowGraph
	frame  *Frame
	out    strings.Builder
	strict bool
	log    commonlog.Logger

	visited   mapset.Set[string]
	entrySnap map[string]Snapshot
	exitSnap  map[string]Snapshot
}

func newCodeGen(g *ControlFlowGraph, strict bool, log commonlog.Logger) *CodeGen {
	return &CodeGen{
		g:         g,
		frame:     NewFrame(g.Params),
		strict:    strict,
		log:       log,
		visited:   mapset.NewThreadUnsafeSet[string](),
		entrySnap: make(map[string]Snapshot),
		exitSnap:  make(map[string]Snapshot),
	}
}

func (cg *CodeGen) line(format string, args ...any) {
	fmt.Fprintf(&cg.out, format+"\n", args...)
}

func (cg *CodeGen) comment(format string, args ...any) {
	cg.line("; "+format, args...)
}

// label returns the text label of a block. The entry block is labelled
// with the function name so callers can reach it.
func (cg *CodeGen) label(id string) string {
	if id == cg.g.Entry {
		return cg.g.Name
	}
	return cg.g.Name + "." + id
}

// Generate emits the instruction text of a function.
func Generate(g *ControlFlowGraph, strictMerge bool) (string, error) {
	cg := newCodeGen(g, strictMerge, commonlog.GetLogger("ccvm.compiler"))
	return cg.generate()
}

func (cg *CodeGen) generate() (string, error) {
	for _, name := range cg.g.Locals {
		if _, err := cg.frame.DeclareFunctionLevel(name); err != nil {
			return "", errors.Wrapf(err, "function '%s'", cg.g.Name)
		}
	}
	cg.comment("function %s(%s)", cg.g.Name, strings.Join(cg.g.Params, ", "))
	if err := cg.visit(cg.g.Entry, cg.frame.Save()); err != nil {
		return "", err
	}
	return cg.out.String(), nil
}

// visit generates a block on first arrival and checks the scope state of
// every later arrival against the state it was generated with.
func (cg *CodeGen) visit(id string, in Snapshot) error {
	blk := cg.g.Blocks[id]
	if !cg.visited.Add(id) {
		return cg.checkMerge(blk, in)
	}
	cg.log.Debugf("%s: generating %s", cg.g.Name, id)

	cg.frame.Restore(in)
	cg.entrySnap[id] = in
	cg.line("%s:", cg.label(id))

	if blk.IsEntry {
		cg.line("    push bp")
		cg.line("    mov bp, sp")
		if n := cg.frame.FunctionSlots(); n > 0 {
			cg.line("    sub sp, %d", n)
		}
	}

	stmts := blk.Stmts
	var cond *CondStmt
	if n := len(stmts); n > 0 {
		if c, ok := stmts[n-1].(*CondStmt); ok {
			cond = c
			stmts = stmts[:n-1]
		}
	}
	for _, s := range stmts {
		if err := cg.genStmt(s); err != nil {
			return errors.Wrapf(err, "%s/%s", cg.g.Name, id)
		}
	}
	if cond != nil {
		if err := cg.genExpr(cond.Expr); err != nil {
			return errors.Wrapf(err, "%s/%s", cg.g.Name, id)
		}
	}

	out := cg.frame.Save()
	cg.exitSnap[id] = out

	// Control transfer is emitted before the successors so the text
	// follows run-time order.
	switch {
	case blk.IsExit:
		if d := cg.frame.Depth(); d != 0 {
			return &InvariantError{Func: cg.g.Name, Block: id, Msg: fmt.Sprintf("%d scope(s) open at exit", d)}
		}
		cg.line("    mov sp, bp")
		cg.line("    pop bp")
		cg.line("    ret")
		return nil

	case len(blk.Succs) == 1:
		cg.line("    jmp %s", cg.label(blk.Succs[0]))

	case len(blk.Succs) == 2 && cond != nil:
		cg.branch(cond.Expr, cg.label(blk.Succs[0]), cg.label(blk.Succs[1]))

	default:
		return &InvariantError{Func: cg.g.Name, Block: id, Msg: fmt.Sprintf("cannot lower %d successor(s)", len(blk.Succs))}
	}

	for _, s := range blk.Succs {
		if err := cg.visit(s, out); err != nil {
			return err
		}
	}
	return nil
}

func (cg *CodeGen) checkMerge(blk *BasicBlock, in Snapshot) error {
	stored, ok := cg.entrySnap[blk.ID]
	if !ok {
		return &InvariantError{Func: cg.g.Name, Block: blk.ID, Msg: "revisited block has no stored scope state"}
	}
	// The exit block reads no variables, so only the layout has to agree.
	same := stored.Equal(in)
	if blk.IsExit {
		same = stored.SameLayout(in)
	}
	if same {
		return nil
	}
	if cg.strict {
		return &InvariantError{Func: cg.g.Name, Block: blk.ID, Msg: "scope state differs between incoming edges"}
	}
	cg.log.Warningf("%s/%s: scope state differs between incoming edges", cg.g.Name, blk.ID)
	return nil
}

// branch emits the conditional jump pair ending a condition block. The
// condition value is already in ax; comparisons have set the flags.
func (cg *CodeGen) branch(e Expr, onTrue, onFalse string) {
	if b, ok := e.(*BinaryExpr); ok && b.Op.isComparison() {
		cg.line("    %s %s", jumpFor(b.Op), onTrue)
	} else {
		cg.line("    cmp ax, 0")
		cg.line("    jne %s", onTrue)
	}
	cg.line("    jmp %s", onFalse)
}

func (cg *CodeGen) genStmt(s Stmt) error {
	switch n := s.(type) {
	case *CheckPoint:
		if n.Start {
			size, err := cg.frame.EnterScope(n.ID, n.Names)
			if err != nil {
				return &InvariantError{Func: cg.g.Name, Msg: err.Error()}
			}
			if size > 0 {
				cg.line("    sub sp, %d", size)
			}
			return nil
		}
		size, err := cg.frame.ExitScope(n.ID)
		if err != nil {
			return &InvariantError{Func: cg.g.Name, Msg: err.Error()}
		}
		if size > 0 {
			cg.line("    add sp, %d", size)
		}
		return nil

	case *VariableDecl:
		if n.Init != nil {
			if err := cg.genExpr(n.Init); err != nil {
				return err
			}
		} else {
			cg.line("    mov ax, 0")
		}
		if err := cg.frame.MarkInitialized(n.Name); err != nil {
			return err
		}
		off, err := cg.frame.Offset(n.Name)
		if err != nil {
			return err
		}
		cg.line("    si [%d], ax ; %s", off, n.Name)
		return nil

	case *Assignment:
		return cg.genAssign(n)

	case *ExprStmt:
		return cg.genExpr(n.Expr)

	case *ReturnStmt:
		if n.Expr == nil {
			return nil
		}
		return cg.genExpr(n.Expr)

	case *CondStmt:
		return &InvariantError{Func: cg.g.Name, Msg: "condition in the middle of a block"}
	}
	return errors.Errorf("unexpected statement %s", s)
}

func (cg *CodeGen) genAssign(a *Assignment) error {
	switch t := a.Target.(type) {
	case *VarRef:
		off, err := cg.frame.Offset(t.Name)
		if err != nil {
			return err
		}
		if err := cg.genExpr(a.Value); err != nil {
			return err
		}
		cg.line("    si [%d], ax ; %s", off, t.Name)
		return nil

	case *UnaryExpr:
		if t.Op != OpDeref {
			break
		}
		// The address of *e is the value of e.
		if err := cg.genExpr(t.Operand); err != nil {
			return err
		}
		cg.line("    push ax")
		if err := cg.genExpr(a.Value); err != nil {
			return err
		}
		cg.line("    pop bx")
		cg.line("    sir bx, ax")
		return nil
	}
	return errors.Errorf("cannot assign to %s", a.Target)
}

// genExpr leaves the value of e in ax. bx is scratch.
func (cg *CodeGen) genExpr(e Expr) error {
	switch n := e.(type) {
	case *Literal:
		cg.line("    mov ax, %d", n.Value)

	case *VarRef:
		off, err := cg.frame.Offset(n.Name)
		if err != nil {
			return err
		}
		cg.line("    li ax, [%d] ; %s", off, n.Name)

	case *BinaryExpr:
		return cg.genBinary(n)

	case *UnaryExpr:
		return cg.genUnary(n)

	case *FunctionCall:
		for i := len(n.Args) - 1; i >= 0; i-- {
			if err := cg.genExpr(n.Args[i]); err != nil {
				return err
			}
			cg.line("    push ax")
		}
		cg.line("    call %s", n.Name)
		if len(n.Args) > 0 {
			cg.line("    add sp, %d", len(n.Args))
		}

	case nil:
		return errors.New("missing expression")

	default:
		return errors.Errorf("unexpected expression %s", e)
	}
	return nil
}

func (cg *CodeGen) genBinary(n *BinaryExpr) error {
	if !n.Op.isBinary() {
		return errors.Errorf("unknown binary operator '%s'", n.Op)
	}
	if err := cg.genExpr(n.Left); err != nil {
		return err
	}
	if n.Op == OpAnd || n.Op == OpOr {
		cg.line("    cmp ax, 0")
		cg.line("    setne ax")
	}
	cg.line("    push ax")
	if err := cg.genExpr(n.Right); err != nil {
		return err
	}
	if n.Op == OpAnd || n.Op == OpOr {
		cg.line("    cmp ax, 0")
		cg.line("    setne ax")
	}
	cg.line("    mov bx, ax")
	cg.line("    pop ax")

	switch n.Op {
	case OpAdd:
		cg.line("    add ax, bx")
	case OpSub:
		cg.line("    sub ax, bx")
	case OpMul:
		cg.line("    mul ax, bx")
	case OpDiv:
		cg.line("    div ax, bx")
	case OpMod:
		cg.line("    mod ax, bx")
	case OpPow:
		cg.line("    power ax, bx")
	case OpBitAnd, OpAnd:
		cg.line("    and ax, bx")
	case OpOr:
		cg.line("    add ax, bx")
		cg.line("    cmp ax, 0")
		cg.line("    setne ax")
	default:
		cg.line("    cmp ax, bx")
		cg.line("    %s ax", setFor(n.Op))
	}
	return nil
}

func (cg *CodeGen) genUnary(n *UnaryExpr) error {
	switch n.Op {
	case OpAddr:
		switch operand := n.Operand.(type) {
		case *VarRef:
			off, err := cg.frame.Offset(operand.Name)
			if err != nil {
				return err
			}
			cg.line("    lea ax, [%d] ; &%s", off, operand.Name)
			return nil
		case *UnaryExpr:
			if operand.Op == OpDeref {
				return cg.genExpr(operand.Operand)
			}
		}
		return errors.Errorf("cannot take the address of %s", n.Operand)

	case OpDeref:
		if err := cg.genExpr(n.Operand); err != nil {
			return err
		}
		cg.line("    lir ax, ax")

	case OpNeg:
		if err := cg.genExpr(n.Operand); err != nil {
			return err
		}
		cg.line("    mov bx, ax")
		cg.line("    mov ax, 0")
		cg.line("    sub ax, bx")

	case OpNot:
		if err := cg.genExpr(n.Operand); err != nil {
			return err
		}
		cg.line("    cmp ax, 0")
		cg.line("    sete ax")

	default:
		return errors.Errorf("unknown unary operator '%s'", n.Op)
	}
	return nil
}

func setFor(op Op) string {
	return "set" + conditionSuffix(op)
}

func jumpFor(op Op) string {
	return "j" + conditionSuffix(op)
}

func conditionSuffix(op Op) string {
	switch op {
	case OpEq:
		return "e"
	case OpNe:
		return "ne"
	case OpLt:
		return "l"
	case OpLe:
		return "le"
	case OpGt:
		return "g"
	case OpGe:
		return "ge"
	}
	panic(fmt.Sprintf("not a comparison: %s", op))
}
