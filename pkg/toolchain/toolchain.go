// Package toolchain chains the compiler, linker and virtual machine.
package toolchain

import (
	"github.com/pkg/errors"
	"github.com/tliron/commonlog"

	"ccvm/pkg/compiler"
	"ccvm/pkg/config"
	"ccvm/pkg/linker"
	"ccvm/pkg/vm"
)

// Toolchain runs the pipeline with one configuration.
type Toolchain struct {
	cfg *config.Config
	log commonlog.Logger
}

func New(cfg *config.Config) *Toolchain {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Toolchain{cfg: cfg, log: commonlog.GetLogger("ccvm.toolchain")}
}

func (t *Toolchain) Config() *config.Config { return t.cfg }

// Compile compiles one unit of function declarations.
func (t *Toolchain) Compile(stmts []compiler.Stmt) (*compiler.Program, error) {
	return compiler.Compile(stmts, t.cfg.CompilerOptions())
}

// CompileTree compiles a YAML statement tree.
func (t *Toolchain) CompileTree(data []byte) (*compiler.Program, error) {
	stmts, err := compiler.ParseTree(data)
	if err != nil {
		return nil, err
	}
	return t.Compile(stmts)
}

// Units turns a compiled program into one link unit per function.
func Units(prog *compiler.Program) []linker.Unit {
	units := make([]linker.Unit, len(prog.Functions))
	for i, f := range prog.Functions {
		units[i] = linker.Unit{Name: f.Name, Text: f.Text}
	}
	return units
}

// LinkStatic links programs, in order, into one address space.
func (t *Toolchain) LinkStatic(progs ...*compiler.Program) (*linker.Image, error) {
	var units []linker.Unit
	for _, p := range progs {
		units = append(units, Units(p)...)
	}
	return linker.NewLinker(t.cfg.Link.Entry).Link(units...)
}

// LinkDynamic links main into segment 0 and registers each library in
// its own segment. Unresolved externals are reported before anything
// runs.
func (t *Toolchain) LinkDynamic(main *compiler.Program, libs ...*compiler.Program) (*linker.DynamicImage, error) {
	img := linker.NewDynamic(t.cfg.Link.Entry)
	if err := img.LinkMain(Units(main)...); err != nil {
		return nil, err
	}
	for i, lib := range libs {
		index, err := img.RegisterLibrary(Units(lib)...)
		if err != nil {
			return nil, errors.Wrapf(err, "library %d", i+1)
		}
		t.log.Debugf("library %d registered in segment %d", i+1, index)
	}
	if err := img.Verify(); err != nil {
		return nil, err
	}
	return img, nil
}

// Link links according to the configured mode.
func (t *Toolchain) Link(main *compiler.Program, libs ...*compiler.Program) (vm.Program, error) {
	if t.cfg.Link.Mode == config.ModeDynamic {
		return t.LinkDynamic(main, libs...)
	}
	return t.LinkStatic(append([]*compiler.Program{main}, libs...)...)
}

// Machine creates a VM over a linked program.
func (t *Toolchain) Machine(prog vm.Program) *vm.VM {
	return vm.New(prog, t.cfg.Machine())
}

// Run compiles, links and runs main together with libs.
func (t *Toolchain) Run(main []compiler.Stmt, libs ...[]compiler.Stmt) (vm.State, error) {
	mainProg, err := t.Compile(main)
	if err != nil {
		return vm.State{}, err
	}
	var libProgs []*compiler.Program
	for _, l := range libs {
		p, err := t.Compile(l)
		if err != nil {
			return vm.State{}, err
		}
		libProgs = append(libProgs, p)
	}
	prog, err := t.Link(mainProg, libProgs...)
	if err != nil {
		return vm.State{}, err
	}
	return t.Machine(prog).Run()
}
