package linker

import (
	"fmt"
	"strings"

	"ccvm/pkg/vm"
)

// Unit is one compiled unit of instruction text: a function, or the
// concatenated functions of a library.
type Unit struct {
	Name string
	Text string
}

type parsedLine struct {
	lineNo int
	labels []string
	instr  *vm.Instruction
	// addressed is set when the line carried an explicit "[addr]" prefix.
	addressed bool
}

func parseUnit(u Unit) ([]parsedLine, error) {
	var out []parsedLine
	for i, raw := range strings.Split(u.Text, "\n") {
		p, err := parseLine(raw, i+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", u.Name, err)
		}
		if len(p.labels) == 0 && p.instr == nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func parseLine(raw string, lineNo int) (parsedLine, error) {
	p := parsedLine{lineNo: lineNo}

	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, ";") {
		return p, nil
	}

	for {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			break
		}
		before := strings.TrimSpace(line[:colon])
		if strings.ContainsAny(before, " \t[;") {
			break
		}
		if !vm.IsSymbol(before) {
			return p, fmt.Errorf("invalid label '%s' on line %d", before, lineNo)
		}
		p.labels = append(p.labels, before)
		line = strings.TrimSpace(line[colon+1:])
		if line == "" || strings.HasPrefix(line, ";") {
			return p, nil
		}
	}

	in, err := vm.ParseInstruction(line)
	if err != nil {
		return p, fmt.Errorf("line %d: %w", lineNo, err)
	}
	p.instr = &in
	p.addressed = strings.HasPrefix(line, "[")
	return p, nil
}

// formatListing renders address-annotated text, one instruction per line.
func formatListing(instrs []vm.Instruction) string {
	var sb strings.Builder
	for _, in := range instrs {
		sb.WriteString(in.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// isExport reports whether a label names a function entry point rather
// than one of its internal blocks.
func isExport(label string) bool {
	return !strings.Contains(label, ".")
}
