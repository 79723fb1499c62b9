// Package llm is the transport layer for the judgment oracle. It knows
// nothing about graphs or verdicts; it turns a prompt into provider text
// for whichever backend the config names.
package llm

import (
	"context"
)

type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
