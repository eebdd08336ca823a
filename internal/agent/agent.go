// Package agent holds the capabilities served by the hub: code analysis
// over the workspace, job status reports, and the refactoring agent.
package agent

import (
	"github.com/sumire/agenthub/internal/router"
)

// Deps are the collaborators the capabilities need.
type Deps struct {
	Workspace *Workspace
	Jobs      JobReader
	LogTail   int
	// Refactorer is optional; start_refactoring_job is only offered with one.
	Refactorer *Refactorer
}

// Capabilities returns every capability enabled by d.
func Capabilities(d Deps) []router.Capability {
	scout := NewCodeScout(d.Workspace)
	status := NewJobStatus(d.Jobs, d.LogTail)

	caps := []router.Capability{
		router.Sync("grep_search", "Search files under a directory for lines matching a regular expression.", scout.Grep),
		router.Sync("find_symbol", "Find all usages of a symbol, classified as definition, import, call or reference.", scout.FindSymbol),
		router.Sync("git_blame", "Show the commit, author and date of the last change to a line.", scout.Blame),
		router.Sync("get_job_status", "Check the status of one of your jobs. Returns recent logs and the result or error.", status.Report),
		router.Async("scan_repository", "Walk a directory in the background, logging each file, and count files per extension.", scout.Scan),
	}
	if d.Refactorer != nil {
		caps = append(caps, router.Async("start_refactoring_job",
			"Refactor a code snippet in two steps (analysis, then rewrite). Poll get_job_status or stream the job logs.",
			d.Refactorer.Run))
	}
	return caps
}
