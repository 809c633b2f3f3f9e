package vm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Opcode identifies one instruction of the stack machine.
type Opcode uint8

const (
	OpMov Opcode = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPower
	OpCmp
	OpSete
	OpSetne
	OpSetl
	OpSetle
	OpSetg
	OpSetge
	OpJmp
	OpJe
	OpJne
	OpJl
	OpJle
	OpJg
	OpJge
	OpCall
	OpRet
	OpSi
	OpLi
	OpLir
	OpSir
	OpLea
	OpAnd
	OpPush
	OpPop

	numOpcodes
)

var mnemonics = [numOpcodes]string{
	OpMov:   "mov",
	OpAdd:   "add",
	OpSub:   "sub",
	OpMul:   "mul",
	OpDiv:   "div",
	OpMod:   "mod",
	OpPower: "power",
	OpCmp:   "cmp",
	OpSete:  "sete",
	OpSetne: "setne",
	OpSetl:  "setl",
	OpSetle: "setle",
	OpSetg:  "setg",
	OpSetge: "setge",
	OpJmp:   "jmp",
	OpJe:    "je",
	OpJne:   "jne",
	OpJl:    "jl",
	OpJle:   "jle",
	OpJg:    "jg",
	OpJge:   "jge",
	OpCall:  "call",
	OpRet:   "ret",
	OpSi:    "si",
	OpLi:    "li",
	OpLir:   "lir",
	OpSir:   "sir",
	OpLea:   "lea",
	OpAnd:   "and",
	OpPush:  "push",
	OpPop:   "pop",
}

var opcodeByMnemonic = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op, name := range mnemonics {
		m[name] = Opcode(op)
	}
	return m
}()

func (op Opcode) String() string {
	if op < numOpcodes {
		return mnemonics[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// LookupOpcode maps a mnemonic (case-insensitive) to its opcode.
func LookupOpcode(mnemonic string) (Opcode, bool) {
	op, ok := opcodeByMnemonic[strings.ToLower(mnemonic)]
	return op, ok
}

// IsBranch reports whether the first operand of op is a code address.
func (op Opcode) IsBranch() bool {
	return op >= OpJmp && op <= OpCall
}

// Register names one of the four machine registers.
type Register uint8

const (
	RegAX Register = iota
	RegBX
	RegSP
	RegBP

	numRegisters
)

var registerNames = [numRegisters]string{"ax", "bx", "sp", "bp"}

// registerAliases accepts the legacy x86-flavoured spellings.
var registerAliases = map[string]Register{
	"ax": RegAX, "eax": RegAX, "rax": RegAX,
	"bx": RegBX, "ebx": RegBX, "rbx": RegBX,
	"sp": RegSP, "esp": RegSP, "rsp": RegSP,
	"bp": RegBP, "ebp": RegBP, "rbp": RegBP,
}

func (r Register) String() string {
	if r < numRegisters {
		return registerNames[r]
	}
	return fmt.Sprintf("r%d", uint8(r))
}

// ParseRegister resolves a register name or alias.
func ParseRegister(s string) (Register, bool) {
	r, ok := registerAliases[strings.ToLower(s)]
	return r, ok
}

// OperandKind classifies an operand.
type OperandKind uint8

const (
	OperandReg OperandKind = iota + 1
	OperandImm
	OperandFrame
	OperandLabel
)

// Operand is a decoded instruction operand. Value holds the immediate or the
// frame offset; Label holds a symbolic jump or call target.
type Operand struct {
	Kind  OperandKind
	Reg   Register
	Value int64
	Label string
}

func Reg(r Register) Operand       { return Operand{Kind: OperandReg, Reg: r} }
func Imm(v int64) Operand          { return Operand{Kind: OperandImm, Value: v} }
func Frame(off int64) Operand      { return Operand{Kind: OperandFrame, Value: off} }
func Label(name string) Operand    { return Operand{Kind: OperandLabel, Label: name} }
func (o Operand) IsLabel() bool    { return o.Kind == OperandLabel }
func (o Operand) IsRegister() bool { return o.Kind == OperandReg }

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		return strconv.FormatInt(o.Value, 10)
	case OperandFrame:
		return fmt.Sprintf("[%d]", o.Value)
	case OperandLabel:
		return o.Label
	}
	return "?"
}

// Instruction is one decoded machine instruction. Addr is meaningful only
// after linking.
type Instruction struct {
	Op      Opcode
	Args    []Operand
	Addr    int
	Comment string
}

// Text renders the instruction without its address.
func (in Instruction) Text() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	for i, a := range in.Args {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if in.Comment != "" {
		sb.WriteString(" ; ")
		sb.WriteString(in.Comment)
	}
	return sb.String()
}

// String renders the address-annotated form "[addr] op a, b ; comment".
func (in Instruction) String() string {
	return fmt.Sprintf("[%d] %s", in.Addr, in.Text())
}

// Clone returns a copy whose operand slice is not shared.
func (in Instruction) Clone() Instruction {
	out := in
	out.Args = append([]Operand(nil), in.Args...)
	return out
}

type kindMask uint8

const (
	maskReg   kindMask = 1 << OperandReg
	maskImm   kindMask = 1 << OperandImm
	maskFrame kindMask = 1 << OperandFrame
	maskLabel kindMask = 1 << OperandLabel

	maskValue  = maskReg | maskImm
	maskTarget = maskImm | maskLabel
)

var signatures = [numOpcodes][]kindMask{
	OpMov:   {maskReg, maskValue},
	OpAdd:   {maskReg, maskValue},
	OpSub:   {maskReg, maskValue},
	OpMul:   {maskReg, maskValue},
	OpDiv:   {maskReg, maskValue},
	OpMod:   {maskReg, maskValue},
	OpPower: {maskReg, maskValue},
	OpCmp:   {maskReg, maskValue},
	OpSete:  {maskReg},
	OpSetne: {maskReg},
	OpSetl:  {maskReg},
	OpSetle: {maskReg},
	OpSetg:  {maskReg},
	OpSetge: {maskReg},
	OpJmp:   {maskTarget},
	OpJe:    {maskTarget},
	OpJne:   {maskTarget},
	OpJl:    {maskTarget},
	OpJle:   {maskTarget},
	OpJg:    {maskTarget},
	OpJge:   {maskTarget},
	OpCall:  {maskTarget},
	OpRet:   {},
	OpSi:    {maskFrame, maskValue},
	OpLi:    {maskReg, maskFrame},
	OpLir:   {maskReg, maskReg},
	OpSir:   {maskReg, maskValue},
	OpLea:   {maskReg, maskFrame},
	OpAnd:   {maskReg, maskValue},
	OpPush:  {maskValue},
	OpPop:   {maskReg},
}

// Validate checks operand count and operand kinds against the opcode.
func (in Instruction) Validate() error {
	if in.Op >= numOpcodes {
		return fmt.Errorf("unknown opcode %d", in.Op)
	}
	sig := signatures[in.Op]
	if len(in.Args) != len(sig) {
		return fmt.Errorf("%s expects %d operand(s), got %d", in.Op, len(sig), len(in.Args))
	}
	for i, a := range in.Args {
		if a.Kind == 0 || sig[i]&(1<<a.Kind) == 0 {
			return fmt.Errorf("%s: malformed operand %d %q", in.Op, i+1, a.String())
		}
	}
	return nil
}

// ParseInstruction decodes one line of instruction text. An optional leading
// "[addr]" sets Addr; anything after ';' becomes the comment. Label lines are
// not instructions and are rejected.
func ParseInstruction(line string) (Instruction, error) {
	var in Instruction

	text, comment := splitComment(line)
	in.Comment = comment
	text = strings.TrimSpace(text)
	if text == "" {
		return in, fmt.Errorf("empty instruction")
	}

	if strings.HasPrefix(text, "[") {
		end := strings.IndexByte(text, ']')
		if end < 0 {
			return in, fmt.Errorf("unterminated address in %q", line)
		}
		addr, err := strconv.Atoi(strings.TrimSpace(text[1:end]))
		if err != nil {
			return in, fmt.Errorf("invalid address in %q", line)
		}
		in.Addr = addr
		text = strings.TrimSpace(text[end+1:])
	}

	mnemonic, rest := text, ""
	if sp := strings.IndexFunc(text, unicode.IsSpace); sp >= 0 {
		mnemonic, rest = text[:sp], text[sp+1:]
	}
	op, ok := LookupOpcode(mnemonic)
	if !ok {
		return in, fmt.Errorf("unknown instruction %q", mnemonic)
	}
	in.Op = op

	rest = strings.TrimSpace(rest)
	if rest != "" {
		for _, tok := range strings.Split(rest, ",") {
			operand, err := ParseOperand(tok)
			if err != nil {
				return in, err
			}
			in.Args = append(in.Args, operand)
		}
	}

	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

// ParseOperand decodes a register, a signed immediate, a frame offset "[n]"
// or a symbolic label.
func ParseOperand(tok string) (Operand, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Operand{}, fmt.Errorf("empty operand")
	}
	if strings.HasPrefix(tok, "[") {
		if !strings.HasSuffix(tok, "]") {
			return Operand{}, fmt.Errorf("malformed frame operand %q", tok)
		}
		off, err := strconv.ParseInt(strings.TrimSpace(tok[1:len(tok)-1]), 10, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("malformed frame operand %q", tok)
		}
		return Frame(off), nil
	}
	if r, ok := ParseRegister(tok); ok {
		return Reg(r), nil
	}
	if v, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return Imm(v), nil
	}
	if IsSymbol(tok) {
		return Label(tok), nil
	}
	return Operand{}, fmt.Errorf("malformed operand %q", tok)
}

// IsSymbol reports whether s can name a label: a letter or '_' followed by
// letters, digits, '_' or '.'.
func IsSymbol(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !unicode.IsLetter(r) && r != '_' {
				return false
			}
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func splitComment(line string) (string, string) {
	text, comment, found := strings.Cut(line, ";")
	if !found {
		return line, ""
	}
	return text, strings.TrimSpace(comment)
}
