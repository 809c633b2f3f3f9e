package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// functionScopeID identifies the function-level scope at the bottom of
// every frame.
const functionScopeID = 0

type variable struct {
	offset      int
	initialized bool
}

// scope is immutable once shared: updates copy the node and every node
// above it, leaving older snapshots intact.
type scope struct {
	id     int
	depth  int
	vars   map[string]variable
	parent *scope
}

// update returns a copy of the chain in which name's innermost binding
// has been replaced by fn's result.
func (s *scope) update(name string, fn func(variable) variable) (*scope, bool) {
	if s == nil {
		return nil, false
	}
	if v, ok := s.vars[name]; ok {
		vars := maps.Clone(s.vars)
		vars[name] = fn(v)
		return &scope{id: s.id, depth: s.depth, vars: vars, parent: s.parent}, true
	}
	parent, ok := s.parent.update(name, fn)
	if !ok {
		return s, false
	}
	return &scope{id: s.id, depth: s.depth, vars: s.vars, parent: parent}, true
}

// Frame assigns stack slots relative to the frame base for one function.
//
// Layout, with bp pointing at the saved frame pointer:
//
//	[bp+2+i]  parameter i
//	[bp+1]    return address
//	[bp]      caller's bp
//	[bp-1]..  function-level variables, then block scopes
type Frame struct {
	params []string
	top    *scope
	// used counts allocated slots below bp.
	used int
}

// Snapshot is a saved frame state. Saving and restoring are O(1).
type Snapshot struct {
	top  *scope
	used int
}

func NewFrame(params []string) *Frame {
	return &Frame{
		params: append([]string(nil), params...),
		top:    &scope{id: functionScopeID, vars: make(map[string]variable)},
	}
}

// DeclareFunctionLevel allocates a slot visible for the whole function.
// It must be called before any block scope is entered.
func (f *Frame) DeclareFunctionLevel(name string) (int, error) {
	if f.top.id != functionScopeID {
		return 0, errors.Errorf("function-level variable '%s' declared inside block scope #%d", name, f.top.id)
	}
	if _, ok := f.top.vars[name]; ok {
		return 0, errors.Errorf("variable '%s' declared twice at function level", name)
	}
	f.used++
	vars := maps.Clone(f.top.vars)
	vars[name] = variable{offset: -f.used}
	f.top = &scope{id: functionScopeID, vars: vars}
	return -f.used, nil
}

// FunctionSlots is the number of function-level slots.
func (f *Frame) FunctionSlots() int {
	s := f.top
	for s.parent != nil {
		s = s.parent
	}
	return len(s.vars)
}

// EnterScope pushes a block scope and allocates one slot per name,
// returning the number of slots consumed.
func (f *Frame) EnterScope(id int, names []string) (int, error) {
	if id == functionScopeID {
		return 0, errors.Errorf("scope id %d is reserved", id)
	}
	vars := make(map[string]variable, len(names))
	for i, name := range names {
		if _, ok := vars[name]; ok {
			return 0, errors.Errorf("variable '%s' declared twice in scope #%d", name, id)
		}
		vars[name] = variable{offset: -(f.used + i + 1)}
	}
	f.used += len(names)
	f.top = &scope{id: id, depth: f.top.depth + 1, vars: vars, parent: f.top}
	return len(names), nil
}

// ExitScope pops the innermost block scope, which must be id, and frees
// its slots.
func (f *Frame) ExitScope(id int) (int, error) {
	if f.top.id == functionScopeID {
		return 0, errors.Errorf("exit of scope #%d with no open block scope", id)
	}
	if f.top.id != id {
		return 0, errors.Errorf("exit of scope #%d while scope #%d is innermost", id, f.top.id)
	}
	n := len(f.top.vars)
	f.used -= n
	f.top = f.top.parent
	return n, nil
}

// Depth is the number of open block scopes.
func (f *Frame) Depth() int {
	return f.top.depth
}

// MarkInitialized makes a declared variable resolvable.
func (f *Frame) MarkInitialized(name string) error {
	top, ok := f.top.update(name, func(v variable) variable {
		v.initialized = true
		return v
	})
	if !ok {
		return errors.Errorf("variable '%s' has no slot", name)
	}
	f.top = top
	return nil
}

// Offset resolves name to its frame offset: the innermost initialized
// variable first, then the parameters.
func (f *Frame) Offset(name string) (int, error) {
	for s := f.top; s != nil; s = s.parent {
		if v, ok := s.vars[name]; ok && v.initialized {
			return v.offset, nil
		}
	}
	for i, p := range f.params {
		if p == name {
			return i + 2, nil
		}
	}
	return 0, errors.Errorf("undefined variable '%s'", name)
}

func (f *Frame) Save() Snapshot {
	return Snapshot{top: f.top, used: f.used}
}

func (f *Frame) Restore(s Snapshot) {
	f.top = s.top
	f.used = s.used
}

// Equal reports whether two snapshots describe the same scopes, bindings
// and initialization state.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.used != o.used {
		return false
	}
	a, b := s.top, o.top
	for a != nil && b != nil {
		if a == b {
			return true
		}
		if a.id != b.id || !maps.Equal(a.vars, b.vars) {
			return false
		}
		a, b = a.parent, b.parent
	}
	return a == nil && b == nil
}

// SameLayout reports whether two snapshots have the same open scopes and
// offsets, ignoring which variables have been initialized.
func (s Snapshot) SameLayout(o Snapshot) bool {
	if s.used != o.used {
		return false
	}
	a, b := s.top, o.top
	for a != nil && b != nil {
		if a == b {
			return true
		}
		if a.id != b.id || len(a.vars) != len(b.vars) {
			return false
		}
		for name, v := range a.vars {
			if w, ok := b.vars[name]; !ok || w.offset != v.offset {
				return false
			}
		}
		a, b = a.parent, b.parent
	}
	return a == nil && b == nil
}

// Binding describes one allocated variable.
type Binding struct {
	Name        string
	Offset      int
	Scope       int
	Initialized bool
}

// Bindings lists every allocated slot, innermost scope first and names
// sorted within a scope.
func (f *Frame) Bindings() []Binding {
	var out []Binding
	for s := f.top; s != nil; s = s.parent {
		names := maps.Keys(s.vars)
		sort.Strings(names)
		for _, name := range names {
			v := s.vars[name]
			out = append(out, Binding{Name: name, Offset: v.offset, Scope: s.id, Initialized: v.initialized})
		}
	}
	return out
}

// String returns a deterministically ordered dump of the frame.
func (f *Frame) String() string {
	var sb strings.Builder
	if len(f.params) > 0 {
		sb.WriteString("Params:\n")
		for i, p := range f.params {
			fmt.Fprintf(&sb, "  %-20s  Offset: %d\n", p, i+2)
		}
	}
	var chain []*scope
	for s := f.top; s != nil; s = s.parent {
		chain = append(chain, s)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		fmt.Fprintf(&sb, "Scope #%d (depth %d):\n", s.id, s.depth)
		names := maps.Keys(s.vars)
		sort.Strings(names)
		for _, name := range names {
			v := s.vars[name]
			fmt.Fprintf(&sb, "  %-20s  Offset: %d (initialized: %t)\n", name, v.offset, v.initialized)
		}
	}
	return sb.String()
}
