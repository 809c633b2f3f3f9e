package vm

import (
	"fmt"
	"strings"
	"testing"
)

// testProgram is a flat program whose label operands stay symbolic and are
// resolved by the machine on use.
type testProgram struct {
	instrs   []Instruction
	labels   map[string]int
	resolved []string
}

// loadProgram parses one instruction or "label:" per line, numbering
// instructions from 0.
func loadProgram(t testing.TB, lines ...string) *testProgram {
	t.Helper()
	p := &testProgram{labels: make(map[string]int)}
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			p.labels[strings.TrimSuffix(line, ":")] = len(p.instrs)
			continue
		}
		in, err := ParseInstruction(line)
		if err != nil {
			t.Fatalf("ParseInstruction(%q): %v", line, err)
		}
		in.Addr = len(p.instrs)
		p.instrs = append(p.instrs, in)
	}
	return p
}

func (p *testProgram) Entry() int {
	return p.labels["main"]
}

func (p *testProgram) Fetch(addr int) (Instruction, error) {
	if addr < 0 || addr >= len(p.instrs) {
		return Instruction{}, fmt.Errorf("no instruction at address %d", addr)
	}
	return p.instrs[addr], nil
}

func (p *testProgram) Next(addr int) (int, bool) {
	if addr+1 < len(p.instrs) {
		return addr + 1, true
	}
	return 0, false
}

func (p *testProgram) Resolve(symbol string) (int, error) {
	addr, ok := p.labels[symbol]
	if !ok {
		return 0, fmt.Errorf("unresolved symbol '%s'", symbol)
	}
	p.resolved = append(p.resolved, symbol)
	return addr, nil
}

func (p *testProgram) Segment(int) int { return 0 }

func testConfig() Config {
	return Config{CycleCap: 1000, StackTop: 1000, StackSize: 256}
}
