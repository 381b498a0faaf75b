// Package gitmeta reads revision metadata from the configuration
// repository, so plans and logs can name the exact input revision.
package gitmeta

import (
	"fmt"

	git "github.com/go-git/go-git/v5"
)

// Revision describes the checked-out state of a config directory.
type Revision struct {
	Commit string
	Dirty  bool
}

// String renders the short form used in logs: "a1b2c3d4e5f6" or
// "a1b2c3d4e5f6-dirty".
func (r Revision) String() string {
	if r.Dirty {
		return r.Commit + "-dirty"
	}
	return r.Commit
}

// Describe resolves the revision for the repository containing dir.
// Directories outside any repository return an error the caller is
// expected to treat as "no provenance", not as a failure.
func Describe(dir string) (Revision, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Revision{}, fmt.Errorf("gitmeta: open %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return Revision{}, fmt.Errorf("gitmeta: head: %w", err)
	}
	rev := Revision{Commit: head.Hash().String()[:12]}

	wt, err := repo.Worktree()
	if err != nil {
		return rev, nil
	}
	st, err := wt.Status()
	if err != nil {
		return rev, nil
	}
	rev.Dirty = !st.IsClean()
	return rev, nil
}
