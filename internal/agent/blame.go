package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"

	"github.com/sumire/agenthub/internal/domain"
)

// BlameArgs are the arguments of git_blame.
type BlameArgs struct {
	Root       string `json:"root_directory,omitempty" jsonschema:"description=Directory inside the repository, relative to the workspace root"`
	FilePath   string `json:"file_path" validate:"required"`
	LineNumber int    `json:"line_number" validate:"required,gte=1"`
}

// BlameLine tells who last changed a line.
type BlameLine struct {
	File       string    `json:"file"`
	LineNumber int       `json:"line_number"`
	Commit     string    `json:"commit"`
	Author     string    `json:"author"`
	Email      string    `json:"email"`
	Date       time.Time `json:"date"`
	Content    string    `json:"content"`
}

// Blame reports the last commit to touch one line at HEAD.
func (s *CodeScout) Blame(ctx context.Context, _ string, args BlameArgs) (any, error) {
	dir, err := s.ws.Resolve(args.Root)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s is not inside a git repository", domain.ErrInvalidArguments, rel(s.ws.Root(), dir))
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}

	file := filepath.Join(dir, filepath.Clean("/"+args.FilePath))
	inRepo := rel(wt.Filesystem.Root(), file)

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := git.Blame(commit, inRepo)
	if err != nil {
		return nil, fmt.Errorf("%w: blame %s: %w", domain.ErrInvalidArguments, inRepo, err)
	}
	if args.LineNumber > len(res.Lines) {
		return nil, fmt.Errorf("%w: %s has %d lines", domain.ErrInvalidArguments, inRepo, len(res.Lines))
	}

	l := res.Lines[args.LineNumber-1]
	return &BlameLine{
		File:       inRepo,
		LineNumber: args.LineNumber,
		Commit:     l.Hash.String(),
		Author:     l.AuthorName,
		Email:      l.Author,
		Date:       l.Date,
		Content:    l.Text,
	}, nil
}
