package codeindex

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// excludedDirs mirrors internal/verify's detection walk — the same
// noise directories have no business showing up in a code-search hit
// either.
var excludedDirs = map[string]bool{
	"vendor":       true,
	"node_modules": true,
	".git":         true,
	"target":       true,
	"bin":          true,
	"obj":          true,
	".idea":        true,
	".vscode":      true,
}

// textExtensions bounds the scan to source-ish files so a large binary
// or data file in the tree doesn't get line-scanned for nothing.
var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rb": true, ".java": true, ".cs": true, ".rs": true,
	".c": true, ".h": true, ".cpp": true, ".hpp": true, ".md": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".sql": true,
}

const maxFileBytes = 2 << 20 // skip anything over 2MiB, not worth scanning line by line

// GrepIndex is a local, dependency-free Index implementation: it walks
// repoPath and scores files by how many lines contain the query,
// case-insensitively, returning the best-matching line per file as the
// snippet. Grounded on internal/verify's WalkDir exclusion shape and on
// internal/tools/search.go's "first usable result wins, degrade to
// empty on trouble" posture — a missing or unreadable repo is reported
// as a plain error so the Analyzer can treat it like any other
// unavailable provider.
type GrepIndex struct{}

// NewGrepIndex returns the default local Index implementation.
func NewGrepIndex() *GrepIndex { return &GrepIndex{} }

// Search scans text files under repoPath for query, ranking by match
// count and returning at most limit hits ordered by descending score.
func (g *GrepIndex) Search(ctx context.Context, repoPath, query string, limit int) ([]Hit, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("codeindex: empty repository path")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("codeindex: empty query")
	}
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)

	var hits []Hit
	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !textExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}

		hit, ok := scanFile(path, needle)
		if ok {
			rel, err := filepath.Rel(repoPath, path)
			if err == nil {
				hit.Path = rel
			}
			hits = append(hits, hit)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codeindex: walk %s: %w", repoPath, err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// scanFile counts case-insensitive line matches for needle in path and
// returns the first matching line as the snippet. The score is the
// match count, so files repeating the term more heavily rank higher.
func scanFile(path, needle string) (Hit, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Hit{}, false
	}
	defer f.Close()

	var (
		matches int
		snippet string
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), needle) {
			matches++
			if snippet == "" {
				snippet = strings.TrimSpace(line)
			}
		}
	}
	if matches == 0 {
		return Hit{}, false
	}
	return Hit{Path: path, Snippet: snippet, Score: float64(matches)}, true
}
