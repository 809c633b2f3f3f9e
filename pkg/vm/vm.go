package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// Config bounds a machine's resources.
type Config struct {
	// CycleCap is the maximum number of instructions Run executes.
	CycleCap int
	// StackTop is the initial value of sp and bp; the stack grows down.
	StackTop int64
	// StackSize is the number of addressable slots below StackTop.
	StackSize int64
}

func DefaultConfig() Config {
	return Config{
		CycleCap:  100000,
		StackTop:  10000,
		StackSize: 4096,
	}
}

// State is a point-in-time copy of the machine. It never aliases the
// machine's internal storage.
type State struct {
	AX int64 `json:"ax" cbor:"ax"`
	BX int64 `json:"bx" cbor:"bx"`
	SP int64 `json:"sp" cbor:"sp"`
	BP int64 `json:"bp" cbor:"bp"`

	Greater bool `json:"greater" cbor:"greater"`
	Equal   bool `json:"equal" cbor:"equal"`
	Less    bool `json:"less" cbor:"less"`

	PC      int  `json:"pc" cbor:"pc"`
	Halted  bool `json:"halted" cbor:"halted"`
	Cycles  int  `json:"cycles" cbor:"cycles"`
	Segment int  `json:"segment" cbor:"segment"`

	Stack map[int64]int64 `json:"stack" cbor:"stack"`
}

// VM executes a linked Program.
type VM struct {
	prog Program
	cfg  Config

	regs [numRegisters]int64

	greater, equal, less bool

	pc      int
	halted  bool
	cycles  int
	segment int

	stack *Stack
	log   commonlog.Logger
}

// New creates a machine positioned at the program's entry address.
func New(prog Program, cfg Config) *VM {
	if cfg.CycleCap <= 0 {
		cfg.CycleCap = DefaultConfig().CycleCap
	}
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultConfig().StackSize
	}
	m := &VM{
		prog:  prog,
		cfg:   cfg,
		stack: newStack(cfg.StackTop, cfg.StackSize),
		log:   commonlog.GetLogger("ccvm.vm"),
	}
	m.Reset()
	return m
}

// Reset restores the initial registers, clears flags and stack, and moves
// the program counter back to the entry address.
func (m *VM) Reset() {
	m.regs = [numRegisters]int64{}
	m.regs[RegSP] = m.cfg.StackTop
	m.regs[RegBP] = m.cfg.StackTop
	m.greater, m.equal, m.less = false, false, false
	m.pc = m.prog.Entry()
	m.segment = m.prog.Segment(m.pc)
	m.halted = false
	m.cycles = 0
	m.stack.reset()
}

// State returns an independent copy of the machine state.
func (m *VM) State() State {
	return State{
		AX:      m.regs[RegAX],
		BX:      m.regs[RegBX],
		SP:      m.regs[RegSP],
		BP:      m.regs[RegBP],
		Greater: m.greater,
		Equal:   m.equal,
		Less:    m.less,
		PC:      m.pc,
		Halted:  m.halted,
		Cycles:  m.cycles,
		Segment: m.segment,
		Stack:   m.stack.snapshot(),
	}
}

func (m *VM) Halted() bool { return m.halted }

// Run steps until the machine halts, an error occurs, or the cycle cap is
// reached.
func (m *VM) Run() (State, error) {
	for !m.halted {
		if m.cycles >= m.cfg.CycleCap {
			st := m.State()
			m.log.Warningf("cycle cap %d reached at pc %d", m.cfg.CycleCap, m.pc)
			return st, &RunawayError{Cycles: m.cycles, State: st}
		}
		if _, err := m.Step(); err != nil {
			return m.State(), err
		}
	}
	return m.State(), nil
}

// Step executes exactly one instruction. Stepping a halted machine is a
// no-op.
func (m *VM) Step() (State, error) {
	if m.halted {
		return m.State(), nil
	}

	in, err := m.prog.Fetch(m.pc)
	if err != nil {
		return m.fail("%v", err)
	}
	if m.log.AllowLevel(commonlog.Debug) {
		m.log.Debugf("exec %s", in)
	}

	jumped, err := m.exec(in)
	if err != nil {
		return m.fail("%s: %v", in.Text(), err)
	}
	m.cycles++

	if !jumped && !m.halted {
		next, ok := m.prog.Next(m.pc)
		if !ok {
			next = m.pc + 1
		}
		m.pc = next
	}
	m.segment = m.prog.Segment(m.pc)
	return m.State(), nil
}

func (m *VM) fail(format string, args ...any) (State, error) {
	m.halted = true
	st := m.State()
	return st, &RuntimeError{PC: m.pc, Msg: fmt.Sprintf(format, args...), State: st}
}

// exec runs one instruction and reports whether it moved the program
// counter itself. The instruction was validated when the program was built.
func (m *VM) exec(in Instruction) (bool, error) {
	args := in.Args

	switch in.Op {
	case OpMov:
		m.regs[args[0].Reg] = m.value(args[1])

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPower, OpAnd:
		a := m.regs[args[0].Reg]
		b := m.value(args[1])
		res, err := arith(in.Op, a, b)
		if err != nil {
			return false, err
		}
		m.regs[args[0].Reg] = res
		m.setFlags(res, 0)

	case OpCmp:
		m.setFlags(m.regs[args[0].Reg], m.value(args[1]))

	case OpSete:
		m.regs[args[0].Reg] = boolWord(m.equal)
	case OpSetne:
		m.regs[args[0].Reg] = boolWord(!m.equal)
	case OpSetl:
		m.regs[args[0].Reg] = boolWord(m.less)
	case OpSetle:
		m.regs[args[0].Reg] = boolWord(m.less || m.equal)
	case OpSetg:
		m.regs[args[0].Reg] = boolWord(m.greater)
	case OpSetge:
		m.regs[args[0].Reg] = boolWord(m.greater || m.equal)

	case OpJmp, OpJe, OpJne, OpJl, OpJle, OpJg, OpJge:
		if !m.condition(in.Op) {
			return false, nil
		}
		target, err := m.target(args[0])
		if err != nil {
			return false, err
		}
		m.pc = target
		return true, nil

	case OpCall:
		target, err := m.target(args[0])
		if err != nil {
			return false, err
		}
		ret, ok := m.prog.Next(m.pc)
		if !ok {
			return false, fmt.Errorf("call at %d has no following instruction to return to", m.pc)
		}
		if err := m.push(int64(ret)); err != nil {
			return false, err
		}
		m.pc = target
		return true, nil

	case OpRet:
		if m.regs[RegSP] >= m.cfg.StackTop {
			// No return address: the outermost function returned.
			m.halted = true
			return true, nil
		}
		ret, err := m.pop()
		if err != nil {
			return false, err
		}
		m.pc = int(ret)
		return true, nil

	case OpSi:
		return false, m.stack.Store(m.regs[RegBP]+args[0].Value, m.value(args[1]))

	case OpLi:
		v, err := m.stack.Load(m.regs[RegBP] + args[1].Value)
		if err != nil {
			return false, err
		}
		m.regs[args[0].Reg] = v

	case OpLir:
		v, err := m.stack.Load(m.regs[args[1].Reg])
		if err != nil {
			return false, err
		}
		m.regs[args[0].Reg] = v

	case OpSir:
		return false, m.stack.Store(m.regs[args[0].Reg], m.value(args[1]))

	case OpLea:
		m.regs[args[0].Reg] = m.regs[RegBP] + args[1].Value

	case OpPush:
		return false, m.push(m.value(args[0]))

	case OpPop:
		v, err := m.pop()
		if err != nil {
			return false, err
		}
		m.regs[args[0].Reg] = v

	default:
		return false, fmt.Errorf("unknown opcode %d", in.Op)
	}
	return false, nil
}

func (m *VM) value(o Operand) int64 {
	if o.Kind == OperandReg {
		return m.regs[o.Reg]
	}
	return o.Value
}

func (m *VM) target(o Operand) (int, error) {
	if o.Kind == OperandLabel {
		addr, err := m.prog.Resolve(o.Label)
		if err != nil {
			return 0, err
		}
		m.log.Debugf("resolved %s -> %d", o.Label, addr)
		return addr, nil
	}
	return int(o.Value), nil
}

func (m *VM) condition(op Opcode) bool {
	switch op {
	case OpJe:
		return m.equal
	case OpJne:
		return !m.equal
	case OpJl:
		return m.less
	case OpJle:
		return m.less || m.equal
	case OpJg:
		return m.greater
	case OpJge:
		return m.greater || m.equal
	}
	return true
}

func (m *VM) setFlags(a, b int64) {
	m.greater = a > b
	m.equal = a == b
	m.less = a < b
}

func (m *VM) push(v int64) error {
	sp := m.regs[RegSP] - 1
	if err := m.stack.Store(sp, v); err != nil {
		return fmt.Errorf("stack overflow: %v", err)
	}
	m.regs[RegSP] = sp
	return nil
}

func (m *VM) pop() (int64, error) {
	sp := m.regs[RegSP]
	if sp >= m.cfg.StackTop {
		return 0, fmt.Errorf("stack underflow")
	}
	v, err := m.stack.Load(sp)
	if err != nil {
		return 0, err
	}
	m.stack.drop(sp)
	m.regs[RegSP] = sp + 1
	return v, nil
}

func arith(op Opcode, a, b int64) (int64, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv:
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	case OpMod:
		if b == 0 {
			return 0, fmt.Errorf("modulo by zero")
		}
		return a % b, nil
	case OpPower:
		if b < 0 {
			return 0, fmt.Errorf("negative exponent %d", b)
		}
		res := int64(1)
		for b > 0 {
			if b&1 == 1 {
				res *= a
			}
			a *= a
			b >>= 1
		}
		return res, nil
	case OpAnd:
		return a & b, nil
	}
	return 0, fmt.Errorf("not an arithmetic opcode: %s", op)
}

func boolWord(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
