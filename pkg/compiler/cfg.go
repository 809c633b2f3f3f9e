package compiler

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

const (
	entryBlockID = "entry_block"
	exitBlockID  = "exit_block"
)

// BasicBlock is a straight-line run of statements. Blocks refer to each
// other by id; the graph owns them.
type BasicBlock struct {
	ID    string
	Stmts []Stmt
	// Succs is ordered: a block ending in a CondStmt lists the true
	// successor first.
	Succs   []string
	Preds   mapset.Set[string]
	IsEntry bool
	IsExit  bool
}

func (b *BasicBlock) String() string {
	return fmt.Sprintf("%s -> [%s]", b.ID, strings.Join(b.Succs, ", "))
}

// ControlFlowGraph is the graph of one function.
type ControlFlowGraph struct {
	Name   string
	Params []string
	// Locals are the function-level variables, in declaration order.
	Locals []string
	Blocks map[string]*BasicBlock
	// Order lists block ids in creation order.
	Order []string
	Entry string
	Exit  string
}

func (g *ControlFlowGraph) Block(id string) *BasicBlock {
	return g.Blocks[id]
}

// String dumps the graph one block per line, statements indented.
func (g *ControlFlowGraph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cfg %s(%s)\n", g.Name, strings.Join(g.Params, ", "))
	for _, id := range g.Order {
		b := g.Blocks[id]
		fmt.Fprintf(&sb, "%s:\n", b)
		for _, s := range b.Stmts {
			fmt.Fprintf(&sb, "    %s\n", s)
		}
	}
	return sb.String()
}

// InvariantError reports a malformed graph or inconsistent scope state.
// It indicates a compiler defect rather than a problem with the input.
type InvariantError struct {
	Func  string
	Block string
	Msg   string
}

func (e *InvariantError) Error() string {
	if e.Block == "" {
		return fmt.Sprintf("invariant violated in %s: %s", e.Func, e.Msg)
	}
	return fmt.Sprintf("invariant violated in %s/%s: %s", e.Func, e.Block, e.Msg)
}

type loopTarget struct {
	breakTo    string
	continueTo string
	// scopes is the number of lexical scopes open outside the loop body.
	scopes int
}

type cfgBuilder struct {
	g         *ControlFlowGraph
	cur       *BasicBlock
	nextBlock int
	nextScope int
	scopes    []*CheckPoint
	loops     []loopTarget
}

// BuildCFG lowers a function declaration to a control-flow graph.
func BuildCFG(fn *FunctionDecl) (*ControlFlowGraph, error) {
	if fn.Body == nil {
		return nil, errors.Errorf("function '%s' has no body", fn.Name)
	}
	b := &cfgBuilder{
		g: &ControlFlowGraph{
			Name:   fn.Name,
			Params: append([]string(nil), fn.Params...),
			Blocks: make(map[string]*BasicBlock),
		},
	}
	if err := checkUnique(fn.Params, "parameter"); err != nil {
		return nil, errors.Wrapf(err, "function '%s'", fn.Name)
	}
	if err := checkFunctionName(fn.Name); err != nil {
		return nil, err
	}
	for _, callee := range Calls(fn) {
		if err := checkFunctionName(callee); err != nil {
			return nil, errors.Wrapf(err, "function '%s'", fn.Name)
		}
	}

	locals, err := declaredNames(fn.Body.Stmts)
	if err != nil {
		return nil, errors.Wrapf(err, "function '%s'", fn.Name)
	}
	b.g.Locals = locals

	entry := b.addBlock(entryBlockID)
	entry.IsEntry = true
	exit := b.addBlock(exitBlockID)
	exit.IsExit = true
	b.g.Entry, b.g.Exit = entry.ID, exit.ID

	b.cur = entry
	for _, s := range fn.Body.Stmts {
		if err := b.stmt(s); err != nil {
			return nil, errors.Wrapf(err, "function '%s'", fn.Name)
		}
	}
	b.edge(b.cur, exit)

	b.prune()
	if err := Validate(b.g); err != nil {
		return nil, err
	}
	return b.g, nil
}

func (b *cfgBuilder) addBlock(id string) *BasicBlock {
	blk := &BasicBlock{ID: id, Preds: mapset.NewThreadUnsafeSet[string]()}
	b.g.Blocks[id] = blk
	b.g.Order = append(b.g.Order, id)
	return blk
}

func (b *cfgBuilder) newBlock() *BasicBlock {
	b.nextBlock++
	return b.addBlock(fmt.Sprintf("block_%d", b.nextBlock))
}

func (b *cfgBuilder) edge(from, to *BasicBlock) {
	from.Succs = append(from.Succs, to.ID)
	to.Preds.Add(from.ID)
}

// detach starts a block nothing jumps to. Statements following a
// return, break or continue land there and are pruned.
func (b *cfgBuilder) detach() {
	b.cur = b.newBlock()
}

func (b *cfgBuilder) emit(s Stmt) {
	b.cur.Stmts = append(b.cur.Stmts, s)
}

func (b *cfgBuilder) openScope(names []string) *CheckPoint {
	b.nextScope++
	cp := &CheckPoint{Start: true, ID: b.nextScope, Depth: len(b.scopes) + 1, Names: names}
	b.scopes = append(b.scopes, cp)
	b.emit(cp)
	return cp
}

func (b *cfgBuilder) closeScope(cp *CheckPoint) {
	b.scopes = b.scopes[:len(b.scopes)-1]
	b.emit(cp.end())
}

// leaveScopes emits the end markers of every scope above depth, innermost
// first, without closing them in the builder.
func (b *cfgBuilder) leaveScopes(depth int) {
	for i := len(b.scopes) - 1; i >= depth; i-- {
		b.emit(b.scopes[i].end())
	}
}

func (b *cfgBuilder) stmt(s Stmt) error {
	switch n := s.(type) {
	case *VariableDecl, *Assignment, *ExprStmt:
		b.emit(n)

	case *BlockStmt:
		return b.block(n.Stmts)

	case *IfStmt:
		return b.ifStmt(n)

	case *WhileStmt:
		return b.whileStmt(n)

	case *ForStmt:
		return b.forStmt(n)

	case *ReturnStmt:
		b.emit(n)
		b.leaveScopes(0)
		b.edge(b.cur, b.g.Blocks[b.g.Exit])
		b.detach()

	case *BreakStmt, *ContinueStmt:
		if len(b.loops) == 0 {
			return errors.Errorf("%s outside of a loop", n)
		}
		loop := b.loops[len(b.loops)-1]
		target := loop.breakTo
		if _, ok := n.(*ContinueStmt); ok {
			target = loop.continueTo
		}
		b.leaveScopes(loop.scopes)
		b.edge(b.cur, b.g.Blocks[target])
		b.detach()

	case *FunctionDecl:
		return errors.Errorf("nested function '%s'", n.Name)

	case nil:
		return errors.New("nil statement")

	default:
		return errors.Errorf("unexpected statement %s", n)
	}
	return nil
}

// block lowers a lexical block, bracketing it with checkpoints.
func (b *cfgBuilder) block(stmts []Stmt) error {
	names, err := declaredNames(stmts)
	if err != nil {
		return err
	}
	cp := b.openScope(names)
	for _, s := range stmts {
		if err := b.stmt(s); err != nil {
			return err
		}
	}
	b.closeScope(cp)
	return nil
}

// body lowers the body of an if or a loop. A single statement is treated
// as a block of one.
func (b *cfgBuilder) body(s Stmt) error {
	if blk, ok := s.(*BlockStmt); ok {
		return b.block(blk.Stmts)
	}
	return b.block([]Stmt{s})
}

func (b *cfgBuilder) ifStmt(n *IfStmt) error {
	cond := b.cur
	if len(cond.Stmts) > 0 {
		cond = b.newBlock()
		b.edge(b.cur, cond)
	}
	cond.Stmts = append(cond.Stmts, &CondStmt{Expr: n.Condition})

	then := b.newBlock()
	b.edge(cond, then)
	var els *BasicBlock
	if n.ElseBody != nil {
		els = b.newBlock()
		b.edge(cond, els)
	}
	join := b.newBlock()
	if els == nil {
		b.edge(cond, join)
	}

	b.cur = then
	if err := b.body(n.Body); err != nil {
		return err
	}
	b.edge(b.cur, join)

	if els != nil {
		b.cur = els
		if err := b.body(n.ElseBody); err != nil {
			return err
		}
		b.edge(b.cur, join)
	}
	b.cur = join
	return nil
}

func (b *cfgBuilder) whileStmt(n *WhileStmt) error {
	cond := b.newBlock()
	b.edge(b.cur, cond)
	cond.Stmts = append(cond.Stmts, &CondStmt{Expr: n.Condition})

	body := b.newBlock()
	exit := b.newBlock()
	b.edge(cond, body)
	b.edge(cond, exit)

	b.loops = append(b.loops, loopTarget{breakTo: exit.ID, continueTo: cond.ID, scopes: len(b.scopes)})
	b.cur = body
	if err := b.body(n.Body); err != nil {
		return err
	}
	b.edge(b.cur, cond)
	b.loops = b.loops[:len(b.loops)-1]

	b.cur = exit
	return nil
}

// forStmt wraps the whole loop in a scope of its own so an initializer
// declaration lives exactly as long as the loop.
func (b *cfgBuilder) forStmt(n *ForStmt) error {
	if _, ok := n.Post.(*VariableDecl); ok {
		return errors.New("declaration in for update")
	}
	var names []string
	if decl, ok := n.Init.(*VariableDecl); ok {
		names = []string{decl.Name}
	}
	cp := b.openScope(names)

	init := b.newBlock()
	b.edge(b.cur, init)
	b.cur = init
	if n.Init != nil {
		if err := b.stmt(n.Init); err != nil {
			return err
		}
	}

	cond := b.newBlock()
	b.edge(b.cur, cond)
	body := b.newBlock()
	update := b.newBlock()
	exit := b.newBlock()
	b.edge(cond, body)
	if n.Cond != nil {
		cond.Stmts = append(cond.Stmts, &CondStmt{Expr: n.Cond})
		b.edge(cond, exit)
	}

	b.loops = append(b.loops, loopTarget{breakTo: exit.ID, continueTo: update.ID, scopes: len(b.scopes)})
	b.cur = body
	if err := b.body(n.Body); err != nil {
		return err
	}
	b.edge(b.cur, update)
	b.loops = b.loops[:len(b.loops)-1]

	b.cur = update
	if n.Post != nil {
		if err := b.stmt(n.Post); err != nil {
			return err
		}
	}
	b.edge(b.cur, cond)

	b.cur = exit
	b.closeScope(cp)
	return nil
}

// prune drops blocks unreachable from the entry and rebuilds predecessor
// sets from the surviving edges. The exit block is always kept.
func (b *cfgBuilder) prune() {
	g := b.g
	reached := reachable(g)
	reached.Add(g.Exit)

	var order []string
	for _, id := range g.Order {
		if !reached.Contains(id) {
			delete(g.Blocks, id)
			continue
		}
		order = append(order, id)
		g.Blocks[id].Preds.Clear()
	}
	g.Order = order
	for _, id := range g.Order {
		for _, s := range g.Blocks[id].Succs {
			g.Blocks[s].Preds.Add(id)
		}
	}
}

func reachable(g *ControlFlowGraph) mapset.Set[string] {
	seen := mapset.NewThreadUnsafeSet[string](g.Entry)
	work := []string{g.Entry}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		for _, s := range g.Blocks[id].Succs {
			if seen.Add(s) {
				work = append(work, s)
			}
		}
	}
	return seen
}

// Simplify merges a block into its single successor when that successor
// has no other predecessor and is neither the entry nor the exit block.
func Simplify(g *ControlFlowGraph) {
	merged := true
	for merged {
		merged = false
		for _, id := range g.Order {
			a, ok := g.Blocks[id]
			if !ok || len(a.Succs) != 1 {
				continue
			}
			bb := g.Blocks[a.Succs[0]]
			if bb.ID == a.ID || bb.IsExit || bb.IsEntry || bb.Preds.Cardinality() != 1 {
				continue
			}
			a.Stmts = append(a.Stmts, bb.Stmts...)
			a.Succs = bb.Succs
			for _, s := range bb.Succs {
				succ := g.Blocks[s]
				succ.Preds.Remove(bb.ID)
				succ.Preds.Add(a.ID)
			}
			delete(g.Blocks, bb.ID)
			merged = true
		}
		var order []string
		for _, id := range g.Order {
			if _, ok := g.Blocks[id]; ok {
				order = append(order, id)
			}
		}
		g.Order = order
	}
}

// Validate checks the structural invariants of a graph and that scope
// checkpoints are balanced along every path.
func Validate(g *ControlFlowGraph) error {
	fail := func(block, format string, args ...any) error {
		return &InvariantError{Func: g.Name, Block: block, Msg: fmt.Sprintf(format, args...)}
	}

	entry, ok := g.Blocks[g.Entry]
	if !ok || !entry.IsEntry {
		return fail("", "missing entry block")
	}
	if exit, ok := g.Blocks[g.Exit]; !ok || !exit.IsExit || len(exit.Succs) != 0 {
		return fail("", "missing or malformed exit block")
	}
	if len(g.Order) != len(g.Blocks) {
		return fail("", "block order lists %d blocks, graph holds %d", len(g.Order), len(g.Blocks))
	}

	for _, id := range g.Order {
		blk, ok := g.Blocks[id]
		if !ok {
			return fail(id, "block listed but not present")
		}
		if !blk.IsExit && len(blk.Succs) == 0 {
			return fail(id, "non-exit block has no successor")
		}
		if len(blk.Succs) > 2 {
			return fail(id, "%d successors", len(blk.Succs))
		}
		for _, s := range blk.Succs {
			succ, ok := g.Blocks[s]
			if !ok {
				return fail(id, "successor %s does not exist", s)
			}
			if !succ.Preds.Contains(id) {
				return fail(s, "predecessor set is missing %s", id)
			}
		}
		for _, p := range blk.Preds.ToSlice() {
			pred, ok := g.Blocks[p]
			if !ok || !contains(pred.Succs, id) {
				return fail(id, "stale predecessor %s", p)
			}
		}
		for i, s := range blk.Stmts {
			_, isCond := s.(*CondStmt)
			last := i == len(blk.Stmts)-1
			if isCond && (!last || len(blk.Succs) != 2) {
				return fail(id, "condition must end a block with two successors")
			}
		}
		if len(blk.Succs) == 2 {
			if n := len(blk.Stmts); n == 0 {
				return fail(id, "branch block without condition")
			} else if _, ok := blk.Stmts[n-1].(*CondStmt); !ok {
				return fail(id, "branch block without condition")
			}
		}
	}

	reached := reachable(g)
	for _, id := range g.Order {
		if !reached.Contains(id) && id != g.Exit {
			return fail(id, "unreachable block")
		}
	}

	return checkScopes(g)
}

// checkScopes walks every path and verifies that checkpoints nest, that
// each block is always entered with the same open scopes and that none
// is open at the exit.
func checkScopes(g *ControlFlowGraph) error {
	entryStack := make(map[string]string)
	var walk func(id string, stack []*CheckPoint) error
	walk = func(id string, stack []*CheckPoint) error {
		key := stackKey(stack)
		if seen, ok := entryStack[id]; ok {
			if seen != key {
				return &InvariantError{Func: g.Name, Block: id,
					Msg: fmt.Sprintf("entered with scopes [%s] and [%s]", seen, key)}
			}
			return nil
		}
		entryStack[id] = key

		stack = append([]*CheckPoint(nil), stack...)
		blk := g.Blocks[id]
		for _, s := range blk.Stmts {
			cp, ok := s.(*CheckPoint)
			if !ok {
				continue
			}
			if cp.Start {
				stack = append(stack, cp)
				continue
			}
			if len(stack) == 0 {
				return &InvariantError{Func: g.Name, Block: id, Msg: fmt.Sprintf("unmatched %s", cp)}
			}
			top := stack[len(stack)-1]
			if top.ID != cp.ID || strings.Join(top.Names, ",") != strings.Join(cp.Names, ",") {
				return &InvariantError{Func: g.Name, Block: id, Msg: fmt.Sprintf("%s closes %s", cp, top)}
			}
			stack = stack[:len(stack)-1]
		}
		if blk.IsExit && len(stack) != 0 {
			return &InvariantError{Func: g.Name, Block: id, Msg: fmt.Sprintf("%d scope(s) open at exit", len(stack))}
		}
		for _, s := range blk.Succs {
			if err := walk(s, stack); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(g.Entry, nil)
}

func stackKey(stack []*CheckPoint) string {
	ids := make([]string, len(stack))
	for i, cp := range stack {
		ids[i] = fmt.Sprint(cp.ID)
	}
	return strings.Join(ids, ",")
}

// declaredNames lists the variables declared directly in stmts.
func declaredNames(stmts []Stmt) ([]string, error) {
	var names []string
	for _, s := range stmts {
		if d, ok := s.(*VariableDecl); ok {
			names = append(names, d.Name)
		}
	}
	if err := checkUnique(names, "variable"); err != nil {
		return nil, err
	}
	return names, nil
}

func checkUnique(names []string, what string) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, n := range names {
		if !seen.Add(n) {
			return errors.Errorf("%s '%s' declared twice in the same scope", what, n)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
