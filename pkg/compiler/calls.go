package compiler

import (
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"ccvm/pkg/vm"
)

// LinkOrder returns the functions reachable from root, root first and the
// rest in the order they are first called. Unreachable functions are left
// out. When root is not declared every function is kept in declaration
// order, which is what a library needs.
func LinkOrder(funcs []*FunctionDecl, root string) (kept []*FunctionDecl, dropped []string) {
	byName := make(map[string]*FunctionDecl)
	for _, f := range funcs {
		byName[f.Name] = f
	}
	if _, ok := byName[root]; !ok {
		return funcs, nil
	}

	reachable := make(map[string]bool)
	var worklist []string

	addReachable := func(name string) {
		if !reachable[name] {
			reachable[name] = true
			worklist = append(worklist, name)
		}
	}
	addReachable(root)

	for len(worklist) > 0 {
		curr := worklist[0]
		worklist = worklist[1:]

		fDecl, exists := byName[curr]
		if !exists {
			// Defined in another unit.
			continue
		}
		kept = append(kept, fDecl)
		for _, call := range Calls(fDecl) {
			addReachable(call)
		}
	}

	for _, f := range funcs {
		if !reachable[f.Name] {
			dropped = append(dropped, f.Name)
		}
	}
	return kept, dropped
}

// Externals lists the names called by funcs that none of them define,
// sorted.
func Externals(funcs []*FunctionDecl) []string {
	defined := make(map[string]bool)
	for _, f := range funcs {
		defined[f.Name] = true
	}
	external := make(map[string]bool)
	for _, f := range funcs {
		for _, c := range Calls(f) {
			if !defined[c] {
				external[c] = true
			}
		}
	}
	names := maps.Keys(external)
	sort.Strings(names)
	return names
}

// Calls lists the functions fn calls, in order of first appearance.
func Calls(fn *FunctionDecl) []string {
	var order []string
	seen := make(map[string]bool)
	record := func(name string) {
		if !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	if fn.Body != nil {
		findCallsStmt(fn.Body, record)
	}
	return order
}

// findCallsExpr recursively extracts function call names from an expression.
func findCallsExpr(e Expr, record func(string)) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case *FunctionCall:
		record(n.Name)
		for _, arg := range n.Args {
			findCallsExpr(arg, record)
		}
	case *BinaryExpr:
		findCallsExpr(n.Left, record)
		findCallsExpr(n.Right, record)
	case *UnaryExpr:
		findCallsExpr(n.Operand, record)
	case *Literal, *VarRef:
		// No function calls here
	}
}

// findCallsStmt recursively extracts function call names from a statement.
func findCallsStmt(s Stmt, record func(string)) {
	if s == nil {
		return
	}
	switch n := s.(type) {
	case *VariableDecl:
		findCallsExpr(n.Init, record)
	case *Assignment:
		findCallsExpr(n.Target, record)
		findCallsExpr(n.Value, record)
	case *ReturnStmt:
		findCallsExpr(n.Expr, record)
	case *BlockStmt:
		for _, child := range n.Stmts {
			findCallsStmt(child, record)
		}
	case *IfStmt:
		findCallsExpr(n.Condition, record)
		findCallsStmt(n.Body, record)
		findCallsStmt(n.ElseBody, record)
	case *WhileStmt:
		findCallsExpr(n.Condition, record)
		findCallsStmt(n.Body, record)
	case *ForStmt:
		findCallsStmt(n.Init, record)
		findCallsExpr(n.Cond, record)
		findCallsStmt(n.Post, record)
		findCallsStmt(n.Body, record)
	case *ExprStmt:
		findCallsExpr(n.Expr, record)
	case *BreakStmt, *ContinueStmt, *FunctionDecl:
	}
}

// checkFunctionName rejects names that instruction text reads as a
// register rather than a call target.
func checkFunctionName(name string) error {
	if _, ok := vm.ParseRegister(name); ok {
		return errors.Errorf("function name '%s' is reserved for a register", name)
	}
	return nil
}
