// Package codeindex provides read-only code search for the Analyzer,
// implementing spec §6.3. Search is optional: the Analyzer degrades
// gracefully when no Index is configured or a search call fails,
// proceeding with analysis from the Story's title and description alone.
package codeindex

import "context"

// Hit is one code-search result.
type Hit struct {
	Path    string
	Snippet string
	Score   float64
}

// Index is a read-only code search collaborator. Implementations may
// wrap a local grep-style scan, a language server, or a hosted code
// search service — the Analyzer only depends on this interface.
type Index interface {
	Search(ctx context.Context, repoPath, query string, limit int) ([]Hit, error)
}
