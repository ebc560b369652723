package health

import (
	"context"
	"errors"
	"fmt"
)

// Provider reports whether at least one LLM backend admits calls.
func Provider(available func() bool) Checker {
	return Checker{
		Name: "llm",
		Check: func(context.Context) error {
			if !available() {
				return errors.New("all provider circuits are open")
			}
			return nil
		},
	}
}

// Converter reports whether the Office converter executable can be located.
// A missing converter only disables Office analysis, so callers may leave
// this check out when Office tools are not exposed.
func Converter(binary func() (string, error)) Checker {
	return Checker{
		Name: "office",
		Check: func(context.Context) error {
			if _, err := binary(); err != nil {
				return fmt.Errorf("converter unavailable: %w", err)
			}
			return nil
		},
	}
}

// Tools reports whether the tool registry exposes at least one tool.
func Tools(count func() int) Checker {
	return Checker{
		Name: "tools",
		Check: func(context.Context) error {
			if count() == 0 {
				return errors.New("no tools registered")
			}
			return nil
		},
	}
}
