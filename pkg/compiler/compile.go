package compiler

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tliron/commonlog"
)

// Options control compilation.
type Options struct {
	// StrictMerge rejects functions whose merge points are reached with
	// different scope states. When false a warning is logged instead.
	StrictMerge bool
	// MergeBlocks runs Simplify before code generation.
	MergeBlocks bool
	// Entry is the root for dropping uncalled functions. Units that do
	// not declare it keep all their functions.
	Entry string
}

func DefaultOptions() Options {
	return Options{StrictMerge: true, Entry: "main"}
}

// Function is one compiled function.
type Function struct {
	Name string
	CFG  *ControlFlowGraph
	Text string
}

// Program is a compiled unit: its functions in link order.
type Program struct {
	Functions []*Function
	// Externals are called but defined elsewhere.
	Externals []string
	// Dropped functions were never called from the entry.
	Dropped []string
}

// Text concatenates the function texts in link order.
func (p *Program) Text() string {
	var sb strings.Builder
	for i, f := range p.Functions {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(f.Text)
	}
	return sb.String()
}

// CompileFunction builds, optionally simplifies, and generates one function.
func CompileFunction(fn *FunctionDecl, opts Options) (*Function, error) {
	g, err := BuildCFG(fn)
	if err != nil {
		return nil, err
	}
	if opts.MergeBlocks {
		Simplify(g)
		if err := Validate(g); err != nil {
			return nil, err
		}
	}
	text, err := Generate(g, opts.StrictMerge)
	if err != nil {
		return nil, err
	}
	return &Function{Name: fn.Name, CFG: g, Text: text}, nil
}

// Compile compiles a unit of top-level function declarations.
func Compile(stmts []Stmt, opts Options) (*Program, error) {
	log := commonlog.GetLogger("ccvm.compiler")

	var funcs []*FunctionDecl
	seen := make(map[string]bool)
	for _, s := range stmts {
		fn, ok := s.(*FunctionDecl)
		if !ok {
			return nil, errors.Errorf("top-level statement %s is not a function declaration", s)
		}
		if seen[fn.Name] {
			return nil, errors.Errorf("function '%s' declared twice", fn.Name)
		}
		seen[fn.Name] = true
		funcs = append(funcs, fn)
	}

	kept, dropped := LinkOrder(funcs, opts.Entry)
	for _, name := range dropped {
		log.Infof("dropping uncalled function %s", name)
	}

	prog := &Program{Externals: Externals(kept), Dropped: dropped}
	for _, fn := range kept {
		f, err := CompileFunction(fn, opts)
		if err != nil {
			return nil, err
		}
		prog.Functions = append(prog.Functions, f)
	}
	log.Debugf("compiled %d function(s), %d external(s)", len(prog.Functions), len(prog.Externals))
	return prog, nil
}
