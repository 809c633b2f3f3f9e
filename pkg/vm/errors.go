package vm

import "fmt"

// RuntimeError halts the machine: division by zero, a missing instruction,
// a malformed operand or a stack fault. State is the machine state at the
// failing instruction.
type RuntimeError struct {
	PC    int
	Msg   string
	State State
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error at %d: %s", e.PC, e.Msg)
}

// RunawayError is returned by Run when the cycle cap is reached before the
// program halts. It is not a crash: the machine state is intact.
type RunawayError struct {
	Cycles int
	State  State
}

func (e *RunawayError) Error() string {
	return fmt.Sprintf("runaway program: cycle cap of %d reached at pc %d", e.Cycles, e.State.PC)
}
