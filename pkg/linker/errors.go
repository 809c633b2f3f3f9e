package linker

import (
	"fmt"

	"go.uber.org/multierr"
)

// LinkError collects every unresolved label or external symbol found while
// linking, rather than stopping at the first.
type LinkError struct {
	// Symbols lists the missing names in the order they were found.
	Symbols []string
	err     error
}

func (e *LinkError) add(symbol string, format string, args ...any) {
	e.Symbols = append(e.Symbols, symbol)
	e.err = multierr.Append(e.err, fmt.Errorf(format, args...))
}

func (e *LinkError) merge(other error) {
	e.err = multierr.Append(e.err, other)
}

func (e *LinkError) orNil() error {
	if e.err == nil {
		return nil
	}
	return e
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link failed: %v", e.err)
}

// Errors returns the individual failures.
func (e *LinkError) Errors() []error {
	return multierr.Errors(e.err)
}

func (e *LinkError) Unwrap() error {
	return e.err
}
