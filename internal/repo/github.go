package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
)

const (
	defaultReadRetries = 2
	defaultReadBackoff = 300 * time.Millisecond
)

// GitHubClient implements Publisher against the GitHub REST API.
type GitHubClient struct {
	client      *github.Client
	readRetries int
	readBackoff time.Duration

	mu sync.Mutex
	// defaults caches resolved default branches by "owner/name".
	defaults map[string]string
}

func NewGitHubClient(token string) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = 30 * time.Second
	return newGitHubClient(github.NewClient(httpClient))
}

// NewGitHubClientWithBaseURL points the client at a GitHub Enterprise or
// test server. baseURL must be the API root.
func NewGitHubClientWithBaseURL(httpClient *http.Client, baseURL string) (*GitHubClient, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid github base url: %w", err)
	}
	client := github.NewClient(httpClient)
	client.BaseURL = u
	return newGitHubClient(client), nil
}

func newGitHubClient(client *github.Client) *GitHubClient {
	return &GitHubClient{
		client:      client,
		readRetries: defaultReadRetries,
		readBackoff: defaultReadBackoff,
		defaults:    make(map[string]string),
	}
}

// SetReadRetry tunes the retry policy applied to read-only calls.
func (g *GitHubClient) SetReadRetry(retries int, backoff time.Duration) {
	g.readRetries = retries
	g.readBackoff = backoff
}

func (g *GitHubClient) baseBranch(ctx context.Context, ref Ref) (string, error) {
	if ref.Base != "" {
		return ref.Base, nil
	}
	g.mu.Lock()
	cached, ok := g.defaults[ref.String()]
	g.mu.Unlock()
	if ok {
		return cached, nil
	}

	var branch string
	err := g.read(ctx, func() error {
		r, _, err := g.client.Repositories.Get(ctx, ref.Owner, ref.Name)
		if err != nil {
			return err
		}
		branch = r.GetDefaultBranch()
		return nil
	})
	if err != nil {
		return "", classify(err, "look up default branch of %s", ref)
	}
	if branch == "" {
		branch = "main"
	}
	g.mu.Lock()
	g.defaults[ref.String()] = branch
	g.mu.Unlock()
	return branch, nil
}

func (g *GitHubClient) ReadTree(ctx context.Context, ref Ref) ([]TreeEntry, error) {
	base, err := g.baseBranch(ctx, ref)
	if err != nil {
		return nil, err
	}
	var tree *github.Tree
	err = g.read(ctx, func() error {
		var err error
		tree, _, err = g.client.Git.GetTree(ctx, ref.Owner, ref.Name, base, true)
		return err
	})
	if err != nil {
		return nil, classify(err, "read tree of %s@%s", ref, base)
	}
	if tree.GetTruncated() {
		log.Printf("Warning: tree of %s@%s was truncated by GitHub; scoring a partial listing", ref, base)
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Path: e.GetPath(), Size: int64(e.GetSize())})
	}
	return entries, nil
}

func (g *GitHubClient) ReadFile(ctx context.Context, ref Ref, path string) (string, error) {
	base, err := g.baseBranch(ctx, ref)
	if err != nil {
		return "", err
	}
	var file *github.RepositoryContent
	err = g.read(ctx, func() error {
		var err error
		file, _, _, err = g.client.Repositories.GetContents(ctx, ref.Owner, ref.Name, path,
			&github.RepositoryContentGetOptions{Ref: base})
		return err
	})
	if err != nil {
		return "", classify(err, "read %s from %s@%s", path, ref, base)
	}
	if file == nil {
		return "", apperr.NotFound("%s is a directory in %s", path, ref)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return content, nil
}

// Publish forks branch off the base tip, commits every file of patch onto it
// and opens a draft pull request. An existing branch is a Conflict.
func (g *GitHubClient) Publish(ctx context.Context, ref Ref, branch string, patch Patch) (*PRRef, error) {
	base, err := g.baseBranch(ctx, ref)
	if err != nil {
		return nil, err
	}

	baseRef, _, err := g.client.Git.GetRef(ctx, ref.Owner, ref.Name, "refs/heads/"+base)
	if err != nil {
		return nil, classify(err, "resolve %s tip", base)
	}
	_, _, err = g.client.Git.CreateRef(ctx, ref.Owner, ref.Name, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.Ptr(baseRef.GetObject().GetSHA())},
	})
	if err != nil {
		if isRefExists(err) {
			return nil, apperr.Wrap(apperr.KindConflict, err, "branch %s already exists", branch)
		}
		return nil, classify(err, "create branch %s", branch)
	}

	for _, change := range patch.Files {
		if err := g.commitFile(ctx, ref, branch, change, patch.CommitMessage); err != nil {
			return nil, err
		}
	}

	pr, _, err := g.client.PullRequests.Create(ctx, ref.Owner, ref.Name, &github.NewPullRequest{
		Title: github.Ptr(patch.PRTitle),
		Head:  github.Ptr(branch),
		Base:  github.Ptr(base),
		Body:  github.Ptr(patch.PRBody),
		Draft: github.Ptr(true),
	})
	if err != nil {
		return nil, classify(err, "open pull request for %s", branch)
	}
	return &PRRef{URL: pr.GetHTMLURL(), Branch: branch, Number: pr.GetNumber()}, nil
}

// commitFile creates or updates one file. The blob SHA is looked up whatever
// the declared action, since the model can be wrong about what exists.
func (g *GitHubClient) commitFile(ctx context.Context, ref Ref, branch string, change FileChange, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: []byte(change.Content),
		Branch:  github.Ptr(branch),
	}

	existing, _, _, err := g.client.Repositories.GetContents(ctx, ref.Owner, ref.Name, change.Path,
		&github.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
	case err != nil && !isStatus(err, http.StatusNotFound):
		return classify(err, "look up %s on %s", change.Path, branch)
	}

	if opts.SHA != nil {
		_, _, err = g.client.Repositories.UpdateFile(ctx, ref.Owner, ref.Name, change.Path, opts)
	} else {
		_, _, err = g.client.Repositories.CreateFile(ctx, ref.Owner, ref.Name, change.Path, opts)
	}
	if err != nil {
		return classify(err, "commit %s to %s", change.Path, branch)
	}
	return nil
}

func (g *GitHubClient) UpdatePRDescription(ctx context.Context, ref Ref, pr PRRef, text string) error {
	_, _, err := g.client.PullRequests.Edit(ctx, ref.Owner, ref.Name, pr.Number, &github.PullRequest{
		Body: github.Ptr(text),
	})
	if err != nil {
		return classify(err, "update description of #%d", pr.Number)
	}
	return nil
}

// read retries idempotent calls on transport errors and 5xx answers.
func (g *GitHubClient) read(ctx context.Context, fn func() error) error {
	backoff := g.readBackoff
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || attempt >= g.readRetries || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode >= 500
	}
	return true
}

func isStatus(err error, code int) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == code
}

func isRefExists(err error) bool {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return false
	}
	code := ghErr.Response.StatusCode
	return code == http.StatusConflict ||
		(code == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(ghErr.Message), "already exists"))
}

// classify maps a GitHub failure onto the error taxonomy: missing objects are
// NotFound, everything else (auth, rate limits, 5xx, transport) is upstream.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if isStatus(err, http.StatusNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, "%s", msg)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized:
			msg += " (invalid or expired token)"
		case http.StatusForbidden:
			msg += " (token lacks repo permissions or is rate limited)"
		}
	}
	return apperr.Wrap(apperr.KindUpstreamUnavailable, err, "%s", msg)
}
