package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/agenthub/internal/domain"
)

func commitFile(t *testing.T, repo *git.Repository, root, name, content, author string, when time.Time) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.Dir(name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: author, Email: author + "@example.com", When: when},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestCodeScout_Blame(t *testing.T) {
	root := t.TempDir()
	repoDir := filepath.Join(root, "project")
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)

	first := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(48 * time.Hour)
	initial := commitFile(t, repo, repoDir, "pkg/calc.go", "package calc\n\nfunc Add(a, b int) int { return a + b }\n", "alice", first)
	fix := commitFile(t, repo, repoDir, "pkg/calc.go", "package calc\n\nfunc Add(a, b int) int { return b + a }\n", "bob", second)

	ws, err := NewWorkspace(root)
	require.NoError(t, err)
	scout := NewCodeScout(ws)
	ctx := context.Background()

	out, err := scout.Blame(ctx, "carol", BlameArgs{Root: "project", FilePath: "pkg/calc.go", LineNumber: 1})
	require.NoError(t, err)
	line := out.(*BlameLine)
	assert.Equal(t, initial, line.Commit)
	assert.Equal(t, "alice", line.Author)
	assert.Equal(t, "alice@example.com", line.Email)
	assert.True(t, first.Equal(line.Date))
	assert.Equal(t, "package calc", line.Content)
	assert.Equal(t, "pkg/calc.go", line.File)

	// Paths below the repository root are resolved against it.
	out, err = scout.Blame(ctx, "carol", BlameArgs{Root: "project/pkg", FilePath: "calc.go", LineNumber: 3})
	require.NoError(t, err)
	line = out.(*BlameLine)
	assert.Equal(t, fix, line.Commit)
	assert.Equal(t, "bob", line.Author)
	assert.Equal(t, "pkg/calc.go", line.File)
	assert.Equal(t, 3, line.LineNumber)
}

func TestCodeScout_BlameErrors(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	commitFile(t, repo, root, "main.go", "package main\n", "alice", time.Now())

	plain := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.MkdirAll(plain, 0o755))

	ws, err := NewWorkspace(root)
	require.NoError(t, err)
	scout := NewCodeScout(ws)
	ctx := context.Background()

	_, err = scout.Blame(ctx, "carol", BlameArgs{FilePath: "main.go", LineNumber: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)

	_, err = scout.Blame(ctx, "carol", BlameArgs{FilePath: "missing.go", LineNumber: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)

	plainWS, err := NewWorkspace(plain)
	require.NoError(t, err)
	_, err = NewCodeScout(plainWS).Blame(ctx, "carol", BlameArgs{FilePath: "x.go", LineNumber: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)
}
