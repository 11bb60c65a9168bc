package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

const validPatchJSON = `{
  "files": [{"path": "cost_tracker/tools/costs.py", "action": "modify", "content": "def get_costs(since=None):\n    pass\n"}],
  "commit_message": "Add since filter to get_costs",
  "pr_title": "Add date filtering to get_costs",
  "pr_body": "Lets agents filter costs by date."
}`

type modelReply struct {
	text string
	err  error
}

type fakeModel struct {
	mu      sync.Mutex
	replies []modelReply
	calls   []Request
	// block, when set, holds every call until it is closed.
	block chan struct{}
}

func (m *fakeModel) Generate(ctx context.Context, req Request) (string, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.replies) == 0 {
		return validPatchJSON, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r.text, r.err
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type fakePublisher struct {
	mu           sync.Mutex
	tree         []repo.TreeEntry
	files        map[string]string
	treeErr      error
	fileErrs     map[string]error
	branches     map[string]bool
	published    []string
	descriptions []string
	updateErr    error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		tree: costsTree,
		files: map[string]string{
			"cost_tracker/server.py":      "from tools import costs\n",
			"cost_tracker/tools/costs.py": "def get_costs():\n    pass\n",
			"cost_tracker/tools/dates.py": "def parse(s): pass\n",
			"tests/test_costs.py":         "def test_costs(): pass\n",
		},
		fileErrs: map[string]error{},
		branches: map[string]bool{},
	}
}

func (p *fakePublisher) ReadTree(ctx context.Context, ref repo.Ref) ([]repo.TreeEntry, error) {
	if p.treeErr != nil {
		return nil, p.treeErr
	}
	return p.tree, nil
}

func (p *fakePublisher) ReadFile(ctx context.Context, ref repo.Ref, path string) (string, error) {
	if err := p.fileErrs[path]; err != nil {
		return "", err
	}
	content, ok := p.files[path]
	if !ok {
		return "", apperr.NotFound("%s not found", path)
	}
	return content, nil
}

func (p *fakePublisher) Publish(ctx context.Context, ref repo.Ref, branch string, patch repo.Patch) (*repo.PRRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.branches[branch] {
		return nil, apperr.New(apperr.KindConflict, "branch %s already exists", branch)
	}
	p.branches[branch] = true
	p.published = append(p.published, branch)
	n := len(p.published)
	return &repo.PRRef{URL: fmt.Sprintf("https://github.com/acme/costs/pull/%d", n), Branch: branch, Number: n}, nil
}

func (p *fakePublisher) UpdatePRDescription(ctx context.Context, ref repo.Ref, pr repo.PRRef, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return p.updateErr
	}
	p.descriptions = append(p.descriptions, text)
	return nil
}

type staticTools struct {
	publisher *fakePublisher
	model     *fakeModel
	err       error
}

func (s *staticTools) Toolchain(ctx context.Context) (*Toolchain, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &Toolchain{Repo: repo.Ref{Owner: "acme", Name: "costs"}, Publisher: s.publisher, Model: s.model}, nil
}

func testGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{MaxRepairs: 2, MaxRetries: 3, MaxFiles: 10}
}

func newTestLedger(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "feedback.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submitCosts(t *testing.T, s *store.SQLiteStore) *store.FeedbackItem {
	t.Helper()
	item, err := s.Submit(context.Background(), store.FeedbackInput{
		ServerName:  "cost-tracker",
		WhatINeeded: "filter costs by date range",
		WhatITried:  "get_costs",
		GapType:     "missing_parameter",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return item
}

// drain reads events until the channel closes.
func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("event stream did not close; got %+v", out)
		}
	}
}
