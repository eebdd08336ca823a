package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sumire/agenthub/internal/domain"
	"github.com/sumire/agenthub/internal/service"
)

const defaultMaxResults = 200

// GrepArgs are the arguments of grep_search.
type GrepArgs struct {
	Root        string `json:"root_directory,omitempty" jsonschema:"description=Directory relative to the workspace root"`
	Pattern     string `json:"pattern" validate:"required" jsonschema:"description=Regular expression (RE2 syntax)"`
	FilePattern string `json:"file_pattern,omitempty" jsonschema:"description=Glob on file names, e.g. *.go"`
	MaxResults  int    `json:"max_results,omitempty" validate:"gte=0,lte=5000"`
}

// Match is one matching line.
type Match struct {
	File    string `json:"file"`
	Line    int    `json:"line_number"`
	Content string `json:"content"`
}

// SearchResult holds the matches of a search and whether it stopped early.
type SearchResult struct {
	Matches   []Match `json:"matches"`
	Truncated bool    `json:"truncated"`
}

// CodeScout answers read-only questions about the workspace.
type CodeScout struct {
	ws *Workspace
}

// NewCodeScout creates a CodeScout over ws.
func NewCodeScout(ws *Workspace) *CodeScout {
	return &CodeScout{ws: ws}
}

// Grep finds lines matching a regular expression.
func (s *CodeScout) Grep(ctx context.Context, _ string, args GrepArgs) (any, error) {
	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern: %w", domain.ErrInvalidArguments, err)
	}
	return s.search(ctx, args.Root, args.FilePattern, args.MaxResults, func(line string) bool {
		return re.MatchString(line)
	})
}

func (s *CodeScout) search(ctx context.Context, root, pattern string, limit int, match func(string) bool) (*SearchResult, error) {
	dir, err := s.ws.Resolve(root)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = defaultMaxResults
	}

	res := &SearchResult{Matches: []Match{}}
	err = walkFiles(ctx, dir, pattern, func(path string) error {
		if res.Truncated {
			return filepath.SkipAll
		}
		// Unreadable files are skipped.
		_ = scanLines(path, func(n int, line string) bool {
			if !match(line) {
				return true
			}
			if len(res.Matches) == limit {
				res.Truncated = true
				return false
			}
			res.Matches = append(res.Matches, Match{File: rel(dir, path), Line: n, Content: strings.TrimSpace(line)})
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SymbolArgs are the arguments of find_symbol.
type SymbolArgs struct {
	Root        string `json:"root_directory,omitempty" jsonschema:"description=Directory relative to the workspace root"`
	Symbol      string `json:"symbol_name" validate:"required,max=256"`
	FilePattern string `json:"file_pattern,omitempty" jsonschema:"description=Glob on file names, e.g. *.py"`
	MaxResults  int    `json:"max_results,omitempty" validate:"gte=0,lte=5000"`
}

// Usage is one occurrence of a symbol.
type Usage struct {
	File    string `json:"file"`
	Line    int    `json:"line_number"`
	Kind    string `json:"usage_type"`
	Context string `json:"context"`
}

// SymbolReport lists where a symbol appears, with a count per kind.
type SymbolReport struct {
	Symbol    string         `json:"symbol"`
	Usages    []Usage        `json:"usages"`
	Breakdown map[string]int `json:"usage_breakdown"`
	Truncated bool           `json:"truncated"`
}

// FindSymbol finds whole-word occurrences of an identifier and classifies
// each as definition, import, call or reference.
func (s *CodeScout) FindSymbol(ctx context.Context, _ string, args SymbolArgs) (any, error) {
	word := regexp.MustCompile(`\b` + regexp.QuoteMeta(args.Symbol) + `\b`)
	res, err := s.search(ctx, args.Root, args.FilePattern, args.MaxResults, word.MatchString)
	if err != nil {
		return nil, err
	}

	kinds := symbolKinds(args.Symbol)
	report := &SymbolReport{
		Symbol:    args.Symbol,
		Usages:    make([]Usage, 0, len(res.Matches)),
		Breakdown: map[string]int{},
		Truncated: res.Truncated,
	}
	for _, m := range res.Matches {
		kind := kinds.classify(m.Content)
		report.Usages = append(report.Usages, Usage{File: m.File, Line: m.Line, Kind: kind, Context: m.Content})
		report.Breakdown[kind]++
	}
	return report, nil
}

type symbolPatterns struct {
	definition *regexp.Regexp
	call       *regexp.Regexp
}

func symbolKinds(symbol string) symbolPatterns {
	q := regexp.QuoteMeta(symbol)
	return symbolPatterns{
		definition: regexp.MustCompile(`\b(func|type|def|class|var|const|let|function|interface|struct)\s+(\([^)]*\)\s*)?` + q + `\b`),
		call:       regexp.MustCompile(`\b` + q + `\s*\(`),
	}
}

func (p symbolPatterns) classify(line string) string {
	switch {
	case p.definition.MatchString(line):
		return "definition"
	case strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from "):
		return "import"
	case p.call.MatchString(line):
		return "call"
	}
	return "reference"
}

// ScanArgs are the arguments of scan_repository.
type ScanArgs struct {
	Root        string `json:"root_directory,omitempty" jsonschema:"description=Directory relative to the workspace root"`
	FilePattern string `json:"file_pattern,omitempty" jsonschema:"description=Glob on file names; all files when empty"`
}

// ScanSummary is the result of scan_repository.
type ScanSummary struct {
	Files       int            `json:"files"`
	Lines       int            `json:"lines"`
	ByExtension map[string]int `json:"by_extension"`
}

// Scan walks a directory as a job, logging one line per file.
func (s *CodeScout) Scan(ctx context.Context, job *service.JobHandle, args ScanArgs) (any, error) {
	dir, err := s.ws.Resolve(args.Root)
	if err != nil {
		return nil, err
	}
	if err := job.Appendf(ctx, "Scanning %s", rel(s.ws.Root(), dir)); err != nil {
		return nil, err
	}

	sum := &ScanSummary{ByExtension: map[string]int{}}
	err = walkFiles(ctx, dir, args.FilePattern, func(path string) error {
		lines := 0
		if err := scanLines(path, func(int, string) bool { lines++; return true }); err != nil {
			return job.Appendf(ctx, "skipped %s: %v", rel(dir, path), err)
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == "" {
			ext = "(none)"
		}
		sum.Files++
		sum.Lines += lines
		sum.ByExtension[ext]++
		return job.Appendf(ctx, "scanned %s (%d lines)", rel(dir, path), lines)
	})
	if err != nil {
		return nil, err
	}

	exts := make([]string, 0, len(sum.ByExtension))
	for ext := range sum.ByExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		if err := job.Appendf(ctx, "%s: %d files", ext, sum.ByExtension[ext]); err != nil {
			return nil, err
		}
	}
	if err := job.Appendf(ctx, "Scan finished: %d files, %d lines", sum.Files, sum.Lines); err != nil {
		return nil, err
	}
	return sum, nil
}
