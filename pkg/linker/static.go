package linker

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"ccvm/pkg/vm"
)

// DefaultEntry is the label execution starts at when present.
const DefaultEntry = "main"

// Linker resolves labels in a set of units to numeric addresses.
type Linker struct {
	entry string
	// allowExternal leaves calls to unknown names symbolic instead of
	// reporting them; the dynamic linker resolves them at run time.
	allowExternal bool
	log           commonlog.Logger
}

func NewLinker(entry string) *Linker {
	if entry == "" {
		entry = DefaultEntry
	}
	return &Linker{
		entry: entry,
		log:   commonlog.GetLogger("ccvm.linker"),
	}
}

// Link statically links units with the default entry label.
func Link(units ...Unit) (*Image, error) {
	return NewLinker(DefaultEntry).Link(units...)
}

// Image is a statically linked program: one contiguous address space
// starting at 0.
type Image struct {
	Instructions []vm.Instruction
	Labels       map[string]int
	entry        int
}

// Link concatenates units in the given order, assigns addresses from 0 and
// rewrites every jump and call target. All unresolved labels are reported
// together.
func (l *Linker) Link(units ...Unit) (*Image, error) {
	res, err := l.link(units, 0)
	if err != nil {
		return nil, err
	}
	img := &Image{
		Instructions: res.instrs,
		Labels:       res.labels,
	}
	if addr, ok := res.labels[l.entry]; ok {
		img.entry = addr
	}
	l.log.Infof("linked %d unit(s) into %d instruction(s), entry %d", len(units), len(res.instrs), img.entry)
	return img, nil
}

type linked struct {
	instrs    []vm.Instruction
	labels    map[string]int
	externals []string
}

func (l *Linker) link(units []Unit, base int) (*linked, error) {
	type sourced struct {
		unit string
		line parsedLine
	}

	var lines []sourced
	for _, u := range units {
		parsed, err := parseUnit(u)
		if err != nil {
			return nil, err
		}
		for _, p := range parsed {
			lines = append(lines, sourced{unit: u.Name, line: p})
		}
	}

	res := &linked{labels: make(map[string]int)}
	linkErr := &LinkError{}

	// Pass 1: assign addresses to instructions and record labels.
	address := base
	for _, s := range lines {
		for _, lbl := range s.line.labels {
			if _, exists := res.labels[lbl]; exists {
				linkErr.merge(fmt.Errorf("%s: duplicate label '%s' on line %d", s.unit, lbl, s.line.lineNo))
				continue
			}
			res.labels[lbl] = address
		}
		if s.line.instr != nil {
			address++
		}
	}

	// Pass 2: rewrite branch targets.
	address = base
	seenExternal := make(map[string]bool)
	for _, s := range lines {
		if s.line.instr == nil {
			continue
		}
		in := s.line.instr.Clone()
		in.Addr = address
		address++

		if in.Comment == "" && len(s.line.labels) > 0 {
			in.Comment = strings.Join(s.line.labels, ", ")
		}

		if in.Op.IsBranch() && in.Args[0].IsLabel() {
			name := in.Args[0].Label
			if addr, ok := res.labels[name]; ok {
				in.Args[0] = vm.Imm(int64(addr))
			} else if in.Op == vm.OpCall && l.allowExternal {
				if !seenExternal[name] {
					seenExternal[name] = true
					res.externals = append(res.externals, name)
				}
			} else {
				linkErr.add(name, "%s: undefined label '%s' on line %d", s.unit, name, s.line.lineNo)
			}
		}
		res.instrs = append(res.instrs, in)
	}

	if err := linkErr.orNil(); err != nil {
		return nil, err
	}
	return res, nil
}

func (img *Image) Entry() int { return img.entry }

func (img *Image) Fetch(addr int) (vm.Instruction, error) {
	if addr < 0 || addr >= len(img.Instructions) {
		return vm.Instruction{}, fmt.Errorf("no instruction at address %d", addr)
	}
	return img.Instructions[addr], nil
}

func (img *Image) Next(addr int) (int, bool) {
	if addr+1 < len(img.Instructions) && addr >= 0 {
		return addr + 1, true
	}
	return 0, false
}

// Resolve looks a label up in the image. Linked code never carries
// symbolic targets, so this only serves callers inspecting the image.
func (img *Image) Resolve(symbol string) (int, error) {
	if addr, ok := img.Labels[symbol]; ok {
		return addr, nil
	}
	le := &LinkError{}
	le.add(symbol, "unresolved symbol '%s'", symbol)
	return 0, le
}

func (img *Image) Segment(int) int { return 0 }

// Text renders the address-annotated listing.
func (img *Image) Text() string {
	return formatListing(img.Instructions)
}
