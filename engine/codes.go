package engine

import (
	"context"
	"fmt"
)

// Human-readable external codes. Each kind has its own counter; a code is
// assigned once at creation and never changes.
var codeFormats = map[string]string{
	"builder":     "BLD-%03d",
	"project":     "PRJ-%03d",
	"inventory":   "INV-%04d",
	"booking":     "BOOK-%05d",
	"installment": "INST-%05d",
	"payment":     "PMT-%05d",
	"transfer":    "XFER-%05d",
}

func nextCode(ctx context.Context, s *scope, kind string) (string, error) {
	format, ok := codeFormats[kind]
	if !ok {
		return "", fmt.Errorf("no code format for %q", kind)
	}
	n, err := s.tx.NextSequence(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("next %s code: %w", kind, err)
	}
	return fmt.Sprintf(format, n), nil
}
