package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"github.com/urfave/cli/v2"

	"ccvm/pkg/compiler"
	"ccvm/pkg/config"
	"ccvm/pkg/linker"
	"ccvm/pkg/toolchain"
	"ccvm/pkg/utils"
	"ccvm/pkg/vm"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "configuration file (default: nearest " + config.FileName + ")",
	}
	verboseFlag = &cli.IntFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log verbosity, overrides log.verbosity",
		Value:   -1,
	}
	outputFlag = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "output file (default: stdout)",
	}
)

func main() {
	app := &cli.App{
		Name:  "ccvm",
		Usage: "compile statement trees, link instruction text and run it on the stack VM",
		Flags: []cli.Flag{configFlag, verboseFlag},
		Commands: []*cli.Command{
			compileCommand,
			linkCommand,
			runCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration for input and configures logging.
func setup(ctx *cli.Context, inputDir string) (*toolchain.Toolchain, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := ctx.String(configFlag.Name); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FindAndLoad(inputDir)
	}
	if err != nil {
		return nil, err
	}
	verbosity := cfg.Log.Verbosity
	if v := ctx.Int(verboseFlag.Name); v >= 0 {
		verbosity = v
	}
	commonlog.Configure(verbosity, cfg.LogFile())
	return toolchain.New(cfg), nil
}

var compileCommand = &cli.Command{
	Name:      "compile",
	Usage:     "compile a YAML statement tree to instruction text",
	ArgsUsage: "<tree.yaml|->",
	Flags: []cli.Flag{
		outputFlag,
		&cli.BoolFlag{Name: "cfg", Usage: "print the control-flow graphs instead"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected one input file")
		}
		data, dir, err := utils.ReadInput(ctx.Args().First())
		if err != nil {
			return err
		}
		tc, err := setup(ctx, dir)
		if err != nil {
			return err
		}
		prog, err := tc.CompileTree(data)
		if err != nil {
			return err
		}
		if ctx.Bool("cfg") {
			var sb strings.Builder
			for _, f := range prog.Functions {
				sb.WriteString(f.CFG.String())
			}
			return utils.WriteOutput(ctx.String(outputFlag.Name), []byte(sb.String()))
		}
		return utils.WriteOutput(ctx.String(outputFlag.Name), []byte(prog.Text()))
	},
}

var linkCommand = &cli.Command{
	Name:      "link",
	Usage:     "statically link instruction text files into an address-annotated listing",
	ArgsUsage: "<unit.s>...",
	Flags: []cli.Flag{
		outputFlag,
		&cli.BoolFlag{Name: "labels", Usage: "print the label table"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return fmt.Errorf("expected at least one input file")
		}
		var (
			units []linker.Unit
			dir   string
		)
		for _, path := range ctx.Args().Slice() {
			data, d, err := utils.ReadInput(path)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = d
			}
			units = append(units, linker.Unit{Name: path, Text: string(data)})
		}
		tc, err := setup(ctx, dir)
		if err != nil {
			return err
		}
		img, err := linker.NewLinker(tc.Config().Link.Entry).Link(units...)
		if err != nil {
			return err
		}
		if err := utils.WriteOutput(ctx.String(outputFlag.Name), []byte(img.Text())); err != nil {
			return err
		}
		if ctx.Bool("labels") {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Label", "Address"})
			for _, name := range sortedLabels(img.Labels) {
				table.Append([]string{name, strconv.Itoa(img.Labels[name])})
			}
			table.Render()
		}
		return nil
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "compile, link and run a YAML statement tree",
	ArgsUsage: "<tree.yaml|->",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "lib", Usage: "library statement tree, linked into its own unit"},
		&cli.StringFlag{Name: "mode", Usage: "link mode, overrides link.mode (static|dynamic)"},
		&cli.IntFlag{Name: "cycles", Usage: "cycle cap, overrides vm.cycle_cap"},
		&cli.BoolFlag{Name: "trace", Usage: "print the state after every instruction"},
		&cli.BoolFlag{Name: "listing", Usage: "print the linked listing before running"},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected one input file")
		}
		data, dir, err := utils.ReadInput(ctx.Args().First())
		if err != nil {
			return err
		}
		tc, err := setup(ctx, dir)
		if err != nil {
			return err
		}
		cfg := tc.Config()
		if mode := ctx.String("mode"); mode != "" {
			cfg.Link.Mode = mode
		}
		if cycles := ctx.Int("cycles"); cycles > 0 {
			cfg.VM.CycleCap = cycles
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		mainProg, err := tc.CompileTree(data)
		if err != nil {
			return err
		}
		var libs []*compiler.Program
		for _, path := range ctx.StringSlice("lib") {
			libData, _, err := utils.ReadInput(path)
			if err != nil {
				return err
			}
			lib, err := tc.CompileTree(libData)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			libs = append(libs, lib)
		}

		prog, err := tc.Link(mainProg, libs...)
		if err != nil {
			return err
		}
		if dyn, ok := prog.(*linker.DynamicImage); ok {
			dyn.OnSegmentLoaded(func(index int) {
				color.New(color.FgCyan).Fprintf(os.Stderr, "loaded segment %d\n", index)
			})
		}
		if ctx.Bool("listing") {
			fmt.Print(listing(prog))
		}

		machine := tc.Machine(prog)
		var st vm.State
		if ctx.Bool("trace") {
			st, err = trace(machine, cfg.VM.CycleCap)
		} else {
			st, err = machine.Run()
		}
		printState(st)
		if dyn, ok := prog.(*linker.DynamicImage); ok {
			printSymbols(dyn.Symbols())
		}
		return err
	},
}

func trace(m *vm.VM, cycleCap int) (vm.State, error) {
	st := m.State()
	for !m.Halted() {
		if st.Cycles >= cycleCap {
			return st, &vm.RunawayError{Cycles: st.Cycles, State: st}
		}
		pc := st.PC
		var err error
		st, err = m.Step()
		if err != nil {
			return st, err
		}
		fmt.Printf("%6d  pc=%-5d ax=%-6d bx=%-6d sp=%-6d bp=%-6d\n", st.Cycles, pc, st.AX, st.BX, st.SP, st.BP)
	}
	return st, nil
}

type lister interface {
	Text() string
}

func listing(prog vm.Program) string {
	if l, ok := prog.(lister); ok {
		return l.Text()
	}
	return ""
}

func printState(st vm.State) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Register", "Value"})
	table.AppendBulk([][]string{
		{"ax", strconv.FormatInt(st.AX, 10)},
		{"bx", strconv.FormatInt(st.BX, 10)},
		{"sp", strconv.FormatInt(st.SP, 10)},
		{"bp", strconv.FormatInt(st.BP, 10)},
		{"pc", strconv.Itoa(st.PC)},
		{"segment", strconv.Itoa(st.Segment)},
		{"cycles", strconv.Itoa(st.Cycles)},
		{"halted", strconv.FormatBool(st.Halted)},
		{"flags", fmt.Sprintf("g=%t e=%t l=%t", st.Greater, st.Equal, st.Less)},
	})
	table.Render()
}

func printSymbols(symbols []linker.Symbol) {
	if len(symbols) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Symbol", "Segment", "Entry", "Loaded"})
	for _, s := range symbols {
		table.Append([]string{s.Name, strconv.Itoa(s.Segment), strconv.Itoa(s.Address()), strconv.FormatBool(s.Loaded)})
	}
	table.Render()
}

func sortedLabels(labels map[string]int) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if labels[names[i]] != labels[names[j]] {
			return labels[names[i]] < labels[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
