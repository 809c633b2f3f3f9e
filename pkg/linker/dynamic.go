package linker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tliron/commonlog"
	"golang.org/x/exp/maps"

	"ccvm/pkg/vm"
)

// LibraryUnit is a library linked with relative addresses: instruction
// addresses and numeric branch targets count from 0 within the segment
// and become absolute only when the segment is loaded.
type LibraryUnit struct {
	// SegmentBase is the absolute address of the segment's first slot.
	SegmentBase  int
	Instructions []vm.Instruction
	Labels       map[string]int
	Loaded       bool
}

// Symbol is an entry of the cross-segment symbol table.
type Symbol struct {
	Name    string
	Segment int
	// Entry is relative to the segment base.
	Entry  int
	Loaded bool
}

// Address is the absolute entry address.
func (s Symbol) Address() int {
	return s.Segment*vm.SegmentSize + s.Entry
}

type segment struct {
	index  int
	instrs []vm.Instruction
	// pos maps absolute address to position in instrs.
	pos    map[int]int
	labels map[string]int
}

func (s *segment) install(instrs []vm.Instruction) {
	s.instrs = instrs
	s.pos = make(map[int]int, len(instrs))
	for i, in := range instrs {
		s.pos[in.Addr] = i
	}
}

// DynamicImage is a segmented program. Segment 0 holds the main program;
// libraries occupy segments 1..N and are loaded on their first call.
type DynamicImage struct {
	linker *Linker

	segments map[int]*segment
	pending  map[int]*LibraryUnit
	symbols  map[string]*Symbol
	imports  []string
	onLoad   []func(index int)

	nextSegment int
	entry       int
	log         commonlog.Logger
}

func NewDynamic(entry string) *DynamicImage {
	l := NewLinker(entry)
	l.allowExternal = true
	return &DynamicImage{
		linker:      l,
		segments:    make(map[int]*segment),
		pending:     make(map[int]*LibraryUnit),
		symbols:     make(map[string]*Symbol),
		nextSegment: 1,
		log:         l.log,
	}
}

// LinkMain links the main program into segment 0, where relative and
// absolute addresses coincide. Calls to names it does not define are kept
// symbolic and resolved at run time.
func (d *DynamicImage) LinkMain(units ...Unit) error {
	res, err := d.linker.link(units, 0)
	if err != nil {
		return err
	}
	if len(res.instrs) > vm.SegmentSize {
		return fmt.Errorf("main program has %d instructions, segment holds %d", len(res.instrs), vm.SegmentSize)
	}
	seg := &segment{index: 0, labels: res.labels}
	seg.install(res.instrs)
	d.segments[0] = seg
	d.imports = res.externals
	d.entry = 0
	if addr, ok := res.labels[d.linker.entry]; ok {
		d.entry = addr
	}
	d.log.Infof("linked main: %d instruction(s), %d import(s)", len(res.instrs), len(res.externals))
	return nil
}

// RegisterLibrary links units into the next free segment and exports every
// function entry label. It returns the segment index.
func (d *DynamicImage) RegisterLibrary(units ...Unit) (int, error) {
	res, err := d.linker.link(units, 0)
	if err != nil {
		return 0, err
	}
	index := d.nextSegment
	unit := &LibraryUnit{
		SegmentBase:  index * vm.SegmentSize,
		Instructions: res.instrs,
		Labels:       res.labels,
	}
	names := maps.Keys(res.labels)
	sort.Strings(names)
	exported := 0
	for _, name := range names {
		if !isExport(name) {
			continue
		}
		if err := d.RegisterLibraryFunction(name, unit); err != nil {
			return 0, err
		}
		exported++
	}
	if exported == 0 {
		return 0, fmt.Errorf("library in segment %d exports no functions", index)
	}
	return index, nil
}

// RegisterLibraryFunction adds name to the symbol table as an entry point
// of unit. Several functions may share one unit; they then share its
// segment and load together.
func (d *DynamicImage) RegisterLibraryFunction(name string, unit *LibraryUnit) error {
	if unit.SegmentBase < vm.SegmentSize || unit.SegmentBase%vm.SegmentSize != 0 {
		return fmt.Errorf("library '%s': segment base %d is not a library segment boundary", name, unit.SegmentBase)
	}
	if len(unit.Instructions) > vm.SegmentSize {
		return fmt.Errorf("library '%s': %d instructions exceed segment size %d", name, len(unit.Instructions), vm.SegmentSize)
	}
	entry, ok := unit.Labels[name]
	if !ok {
		return fmt.Errorf("library '%s': no entry label", name)
	}
	for i, in := range unit.Instructions {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("library '%s': instruction %d: %w", name, i, err)
		}
	}
	if existing, ok := d.symbols[name]; ok {
		return fmt.Errorf("symbol '%s' already registered in segment %d", name, existing.Segment)
	}
	if _, ok := d.segmentLabel(0, name); ok {
		return fmt.Errorf("symbol '%s' already defined by the main program", name)
	}

	index := unit.SegmentBase / vm.SegmentSize
	if other, ok := d.pending[index]; ok && other != unit {
		return fmt.Errorf("segment %d already holds another library", index)
	}
	if _, ok := d.segments[index]; ok && !unit.Loaded {
		return fmt.Errorf("segment %d is already loaded", index)
	}
	d.pending[index] = unit
	d.symbols[name] = &Symbol{Name: name, Segment: index, Entry: entry, Loaded: unit.Loaded}
	if index >= d.nextSegment {
		d.nextSegment = index + 1
	}
	d.log.Debugf("registered %s in segment %d at +%d", name, index, entry)
	return nil
}

// LoadSegment installs pre-linked instruction text into a segment. When
// absolute is false the text's addresses are relative to the segment base.
// Lines without an address prefix follow the previous instruction.
func (d *DynamicImage) LoadSegment(index int, text string, absolute bool) error {
	if index < 0 {
		return fmt.Errorf("invalid segment index %d", index)
	}
	if _, ok := d.segments[index]; ok {
		return fmt.Errorf("segment %d is already loaded", index)
	}
	lines, err := parseUnit(Unit{Name: fmt.Sprintf("segment %d", index), Text: text})
	if err != nil {
		return err
	}

	base := index * vm.SegmentSize
	seg := &segment{index: index, labels: make(map[string]int)}
	var instrs []vm.Instruction
	next := 0
	for _, p := range lines {
		if p.instr == nil {
			for _, lbl := range p.labels {
				seg.labels[lbl] = next
			}
			continue
		}
		in := p.instr.Clone()
		rel := next
		if p.addressed {
			rel = in.Addr
			if absolute {
				rel -= base
			}
		}
		if rel < 0 || rel >= vm.SegmentSize {
			return fmt.Errorf("segment %d: address %d on line %d is outside the segment", index, in.Addr, p.lineNo)
		}
		for _, lbl := range p.labels {
			seg.labels[lbl] = rel
		}
		in.Addr = base + rel
		if !absolute && in.Op.IsBranch() && !in.Args[0].IsLabel() {
			in.Args[0] = vm.Imm(in.Args[0].Value + int64(base))
		}
		instrs = append(instrs, in)
		next = rel + 1
	}
	if len(instrs) > vm.SegmentSize {
		return fmt.Errorf("segment %d: %d instructions exceed segment size %d", index, len(instrs), vm.SegmentSize)
	}

	linkErr := &LinkError{}
	for i, in := range instrs {
		if !in.Op.IsBranch() || !in.Args[0].IsLabel() {
			continue
		}
		if rel, ok := seg.labels[in.Args[0].Label]; ok {
			instrs[i].Args[0] = vm.Imm(int64(base + rel))
		} else if in.Op != vm.OpCall {
			linkErr.add(in.Args[0].Label, "segment %d: undefined jump target '%s'", index, in.Args[0].Label)
		}
	}
	if err := linkErr.orNil(); err != nil {
		return err
	}

	seg.install(instrs)
	d.segments[index] = seg
	if index == 0 {
		d.entry = 0
		if rel, ok := seg.labels[d.linker.entry]; ok {
			d.entry = rel
		} else if len(instrs) > 0 {
			d.entry = instrs[0].Addr
		}
	} else {
		for name, rel := range seg.labels {
			if isExport(name) {
				d.symbols[name] = &Symbol{Name: name, Segment: index, Entry: rel, Loaded: true}
			}
		}
		if index >= d.nextSegment {
			d.nextSegment = index + 1
		}
	}
	d.fireLoaded(index)
	return nil
}

// OnSegmentLoaded registers a callback fired once per segment, the first
// time it is loaded.
func (d *DynamicImage) OnSegmentLoaded(fn func(index int)) {
	d.onLoad = append(d.onLoad, fn)
}

func (d *DynamicImage) fireLoaded(index int) {
	d.log.Infof("segment %d loaded", index)
	for _, fn := range d.onLoad {
		fn(index)
	}
}

// Verify reports every symbolic call target that no registered library or
// the main program can satisfy.
func (d *DynamicImage) Verify() error {
	linkErr := &LinkError{}
	seen := make(map[string]bool)
	check := func(where, name string) {
		if seen[name] {
			return
		}
		if _, ok := d.symbols[name]; ok {
			return
		}
		if _, ok := d.segmentLabel(0, name); ok {
			return
		}
		seen[name] = true
		linkErr.add(name, "%s: unresolved external function '%s'", where, name)
	}

	for _, name := range d.imports {
		check("main", name)
	}
	indices := maps.Keys(d.pending)
	sort.Ints(indices)
	for _, index := range indices {
		for _, in := range d.pending[index].Instructions {
			if in.Op == vm.OpCall && in.Args[0].IsLabel() {
				check(fmt.Sprintf("segment %d", index), in.Args[0].Label)
			}
		}
	}
	return linkErr.orNil()
}

// Resolve returns the absolute address of a function, loading its segment
// first if needed.
func (d *DynamicImage) Resolve(name string) (int, error) {
	if addr, ok := d.segmentLabel(0, name); ok {
		return addr, nil
	}
	sym, ok := d.symbols[name]
	if !ok {
		le := &LinkError{}
		le.add(name, "unresolved external function '%s'", name)
		return 0, le
	}
	if !sym.Loaded {
		if err := d.load(sym.Segment); err != nil {
			return 0, err
		}
	}
	d.log.Debugf("resolved %s -> %d", name, sym.Address())
	return sym.Address(), nil
}

// EnsureLoaded loads a registered segment unless it is already loaded.
// It fires the load callbacks like a first call would.
func (d *DynamicImage) EnsureLoaded(index int) error {
	if _, ok := d.segments[index]; ok {
		return nil
	}
	return d.load(index)
}

func (d *DynamicImage) load(index int) error {
	if _, ok := d.segments[index]; ok {
		d.markLoaded(index)
		return nil
	}
	unit, ok := d.pending[index]
	if !ok {
		return fmt.Errorf("no library registered for segment %d", index)
	}

	base := index * vm.SegmentSize
	instrs := make([]vm.Instruction, len(unit.Instructions))
	for i, in := range unit.Instructions {
		c := in.Clone()
		c.Addr = base + in.Addr
		if c.Op.IsBranch() && !c.Args[0].IsLabel() {
			c.Args[0] = vm.Imm(c.Args[0].Value + int64(base))
		}
		instrs[i] = c
	}
	seg := &segment{index: index, labels: unit.Labels}
	seg.install(instrs)
	d.segments[index] = seg
	unit.Loaded = true
	d.markLoaded(index)
	d.fireLoaded(index)
	return nil
}

func (d *DynamicImage) markLoaded(index int) {
	for _, sym := range d.symbols {
		if sym.Segment == index {
			sym.Loaded = true
		}
	}
}

// segmentLabel returns the absolute address of a label in a loaded segment.
func (d *DynamicImage) segmentLabel(index int, name string) (int, bool) {
	seg, ok := d.segments[index]
	if !ok {
		return 0, false
	}
	rel, ok := seg.labels[name]
	if !ok {
		return 0, false
	}
	return index*vm.SegmentSize + rel, true
}

// Symbols returns the symbol table sorted by name.
func (d *DynamicImage) Symbols() []Symbol {
	out := make([]Symbol, 0, len(d.symbols))
	for _, sym := range d.symbols {
		out = append(out, *sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Imports lists the main program's symbolic call targets.
func (d *DynamicImage) Imports() []string {
	return append([]string(nil), d.imports...)
}

// Loaded lists the indices of loaded segments in ascending order.
func (d *DynamicImage) Loaded() []int {
	indices := maps.Keys(d.segments)
	sort.Ints(indices)
	return indices
}

func (d *DynamicImage) Entry() int { return d.entry }

func (d *DynamicImage) Segment(addr int) int {
	if addr < 0 {
		return -1
	}
	return addr / vm.SegmentSize
}

func (d *DynamicImage) Fetch(addr int) (vm.Instruction, error) {
	index := d.Segment(addr)
	seg, ok := d.segments[index]
	if !ok {
		return vm.Instruction{}, fmt.Errorf("no instruction at address %d: segment %d not loaded", addr, index)
	}
	pos, ok := seg.pos[addr]
	if !ok {
		return vm.Instruction{}, fmt.Errorf("no instruction at address %d", addr)
	}
	return seg.instrs[pos], nil
}

func (d *DynamicImage) Next(addr int) (int, bool) {
	seg, ok := d.segments[d.Segment(addr)]
	if !ok {
		return 0, false
	}
	pos, ok := seg.pos[addr]
	if !ok || pos+1 >= len(seg.instrs) {
		return 0, false
	}
	return seg.instrs[pos+1].Addr, true
}

// Text renders every loaded segment in index order.
func (d *DynamicImage) Text() string {
	var sb strings.Builder
	for _, index := range d.Loaded() {
		fmt.Fprintf(&sb, "; segment %d\n", index)
		sb.WriteString(formatListing(d.segments[index].instrs))
	}
	return sb.String()
}
