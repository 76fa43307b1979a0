package runspec

import "context"

// SearchOptions tune a search collaborator call.
type SearchOptions struct {
	Provider       string
	AuthSessionID  string
	AuthPreference string
}

// SearchResult is a successful search outcome. A nil result is a
// valid "nothing found" answer, not an error.
type SearchResult struct {
	Provider string
	Text     string
}

// Searcher is the external web-search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) (*SearchResult, error)
}

// GenOptions tune a generation collaborator call.
type GenOptions struct {
	AuthPreference string
	ExecutionMode  string
}

// GenResult is a successful generation outcome. Nil is valid.
type GenResult struct {
	Text string
}

// Generator is the external text-generation collaborator.
type Generator interface {
	GenerateText(ctx context.Context, sessionID, prompt string, opts GenOptions) (*GenResult, error)
}
