// Package repo reads source trees from, and publishes draft pull requests to,
// a hosted repository.
package repo

import (
	"context"
	"fmt"
	"strings"
)

// Ref identifies a repository and the branch drafts are based on.
type Ref struct {
	Owner string
	Name  string
	// Base is the branch new work forks from. Empty means the host's default.
	Base string
}

// ParseRef accepts "owner/repo", optionally prefixed with a GitHub URL.
func ParseRef(s, base string) (Ref, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "https://github.com/")
	s = strings.TrimPrefix(s, "git@github.com:")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Ref{}, fmt.Errorf("repository must look like owner/name, got %q", s)
	}
	return Ref{Owner: parts[0], Name: parts[1], Base: strings.TrimSpace(base)}, nil
}

func (r Ref) String() string { return r.Owner + "/" + r.Name }

type TreeEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
)

type FileChange struct {
	Path    string     `json:"path"`
	Action  FileAction `json:"action"`
	Content string     `json:"content"`
}

// Patch is everything needed to open a pull request.
type Patch struct {
	Files         []FileChange `json:"files"`
	CommitMessage string       `json:"commit_message"`
	PRTitle       string       `json:"pr_title"`
	PRBody        string       `json:"pr_body"`
}

type PRRef struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Number int    `json:"number"`
}

// Source is the read side of a repository host.
type Source interface {
	ReadTree(ctx context.Context, ref Ref) ([]TreeEntry, error)
	ReadFile(ctx context.Context, ref Ref, path string) (string, error)
}

// Publisher is a Source that can also write branches and pull requests.
type Publisher interface {
	Source
	Publish(ctx context.Context, ref Ref, branch string, patch Patch) (*PRRef, error)
	UpdatePRDescription(ctx context.Context, ref Ref, pr PRRef, text string) error
}

// BranchName is derived from the feedback id and the attempt number so that
// every attempt gets its own branch and the branch can be traced back.
func BranchName(feedbackID string, attempt int) string {
	return fmt.Sprintf("patchwork/feedback-%s-attempt-%d", feedbackID, attempt)
}
