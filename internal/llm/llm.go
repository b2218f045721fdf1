// Package llm provides the language-model backends the session driver
// queries. Backends are thin request/response adapters: prompt text in, raw
// reply text out.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrUnknownBackend is returned for an unrecognized llm_type.
var ErrUnknownBackend = errors.New("unknown llm backend")

// LanguageModel is the single seam between the orchestration loop and a
// model provider.
type LanguageModel interface {
	// Query sends a fully rendered transcript and returns the raw reply text.
	Query(ctx context.Context, prompt string) (string, error)
}

// Options carries the backend selection from the run configuration.
type Options struct {
	Type          string
	Model         string
	APIKey        string
	MockResponses []string
}

// New constructs the configured backend.
func New(opts Options) (LanguageModel, error) {
	switch opts.Type {
	case "mock":
		return NewMock(opts.MockResponses), nil
	case "gemini":
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		return NewGemini(opts.Model, key)
	default:
		return nil, fmt.Errorf("%w: %q (use \"gemini\" or \"mock\")", ErrUnknownBackend, opts.Type)
	}
}
