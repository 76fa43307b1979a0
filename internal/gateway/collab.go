package gateway

import (
	"context"
	"fmt"

	"switchboard/internal/convo"
	"switchboard/internal/runspec"
)

// unconfiguredSearcher stands in when no search backend is wired. Runs
// that reach a search step fail with a clear message instead of
// panicking on a nil collaborator.
type unconfiguredSearcher struct{}

func (unconfiguredSearcher) Search(ctx context.Context, query string, opts runspec.SearchOptions) (*runspec.SearchResult, error) {
	return nil, fmt.Errorf("no search backend configured")
}

// unconfiguredGenerator makes doc.compose fall back to the templated
// document when no generation backend is wired.
type unconfiguredGenerator struct{}

func (unconfiguredGenerator) GenerateText(ctx context.Context, sessionID, prompt string, opts runspec.GenOptions) (*runspec.GenResult, error) {
	return nil, fmt.Errorf("no generation backend configured")
}

// convoSink adapts the sqlite store to the pipeline's string-typed
// conversation interface.
type convoSink struct {
	store *convo.Store
}

func (c convoSink) Append(sessionKey, direction, text string, metadata map[string]string) error {
	return c.store.Append(sessionKey, convo.Direction(direction), text, metadata)
}
