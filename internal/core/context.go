package core

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/config"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

// treeListingLimit is how many repository paths are listed in the prompt.
const treeListingLimit = 30

const truncatedNote = " (truncated)"

type FileContext struct {
	Path      string
	Score     float64
	Content   string
	Truncated bool
}

// PromptContext is everything the model sees for one attempt.
type PromptContext struct {
	Repo      repo.Ref
	Item      store.FeedbackItem
	Notes     []store.Note
	TreePaths []string
	TreeSize  int
	Files     []FileContext
	Warnings  []string
}

type ContextAssembler struct {
	source repo.Source
	policy config.ScoringPolicy
}

func NewContextAssembler(source repo.Source, policy config.ScoringPolicy) *ContextAssembler {
	return &ContextAssembler{source: source, policy: policy}
}

// ReadTree is the one read whose failure makes a draft impossible.
func (a *ContextAssembler) ReadTree(ctx context.Context, ref repo.Ref) ([]repo.TreeEntry, error) {
	tree, err := a.source.ReadTree(ctx, ref)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContextUnavailable, err, "cannot read repository %s", ref)
	}
	return tree, nil
}

// Assemble fetches candidate contents in rank order. Files that fail to load
// are skipped with a warning. The rendered prompt is kept under the byte cap,
// see fit.
func (a *ContextAssembler) Assemble(ctx context.Context, ref repo.Ref, candidates []RepoFileCandidate,
	item *store.FeedbackItem, notes []store.Note, tree []repo.TreeEntry) (*PromptContext, error) {

	pc := &PromptContext{Repo: ref, Item: *item, Notes: slices.Clone(notes)}
	scorer := NewScorer(a.policy)
	for _, entry := range tree {
		if scorer.excluded(entry.Path) {
			continue
		}
		pc.TreeSize++
		if len(pc.TreePaths) < treeListingLimit {
			pc.TreePaths = append(pc.TreePaths, entry.Path)
		}
	}

	limit := min(len(candidates), a.policy.TopK)
	for _, c := range candidates[:limit] {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindContextUnavailable, err, "context assembly interrupted")
		}
		content, err := a.source.ReadFile(ctx, ref, c.Path)
		if err != nil {
			log.Printf("Skipping %s while assembling context: %v", c.Path, err)
			pc.Warnings = append(pc.Warnings, fmt.Sprintf("%s: %v", c.Path, err))
			continue
		}
		content, truncated := truncateLines(content, a.policy.MaxFileLines)
		pc.Files = append(pc.Files, FileContext{Path: c.Path, Score: c.RelevanceScore, Content: content, Truncated: truncated})
	}

	if err := a.fit(pc); err != nil {
		return nil, err
	}
	return pc, nil
}

// fit shrinks pc until it renders within MaxContextBytes. Lowest-scored files
// go first, then the tree listing, then note bodies oldest first. Feedback
// fields are never cut; if they alone are too large the attempt cannot run.
func (a *ContextAssembler) fit(pc *PromptContext) error {
	limit := a.policy.MaxContextBytes
	if limit <= 0 {
		return nil
	}
	excess := func() int { return len(pc.Render()) - limit }

	for len(pc.Files) > 0 && excess() > 0 {
		dropped := pc.Files[len(pc.Files)-1]
		pc.Files = pc.Files[:len(pc.Files)-1]
		pc.Warnings = append(pc.Warnings, fmt.Sprintf("%s: dropped to stay under %d bytes", dropped.Path, limit))
	}
	if len(pc.TreePaths) > 0 && excess() > 0 {
		pc.TreePaths = nil
		pc.Warnings = append(pc.Warnings, fmt.Sprintf("repository listing dropped to stay under %d bytes", limit))
	}

	shortened := 0
	for i := range pc.Notes {
		over := excess()
		if over <= 0 {
			break
		}
		body := pc.Notes[i].Body
		if len(body) <= len(truncatedNote) {
			continue
		}
		keep := max(len(body)-over-len(truncatedNote), 0)
		pc.Notes[i].Body = strings.ToValidUTF8(body[:keep], "") + truncatedNote
		shortened++
	}
	if shortened > 0 {
		pc.Warnings = append(pc.Warnings, fmt.Sprintf("%d developer notes shortened to stay under %d bytes", shortened, limit))
	}

	if size := len(pc.Render()); size > limit {
		return apperr.New(apperr.KindContextUnavailable,
			"prompt is %d bytes after trimming files, listing and notes; the limit is %d", size, limit)
	}
	return nil
}

func truncateLines(content string, maxLines int) (string, bool) {
	if maxLines <= 0 {
		return content, false
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) <= maxLines {
		return content, false
	}
	kept := strings.Join(lines[:maxLines], "")
	return kept + fmt.Sprintf("... (truncated, %d more lines)\n", len(lines)-maxLines), true
}

// Render builds the user prompt.
func (p *PromptContext) Render() string {
	var b strings.Builder
	it := p.Item

	b.WriteString("## Feedback\n")
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	field("Feedback ID", it.ID)
	field("Server", it.ServerName)
	field("What the agent needed", it.WhatINeeded)
	field("What the agent tried", it.WhatITried)
	field("Gap type", string(it.GapType))
	field("Suggestion", it.Suggestion)
	field("User goal", it.UserGoal)
	field("Resolution", string(it.Resolution))
	field("Tools available", strings.Join(it.ToolsAvailable, ", "))
	field("Agent model", it.AgentModel)
	field("Client", it.ClientType)

	if len(p.Notes) > 0 {
		b.WriteString("\n## Developer notes (highest priority, follow these over the feedback)\n")
		for _, n := range p.Notes {
			fmt.Fprintf(&b, "- [%s] %s\n", n.CreatedAt.Format("2006-01-02 15:04"), n.Body)
		}
	}

	fmt.Fprintf(&b, "\n## Repository %s (%d files", p.Repo, p.TreeSize)
	if p.TreeSize > len(p.TreePaths) {
		fmt.Fprintf(&b, ", first %d shown", len(p.TreePaths))
	}
	b.WriteString(")\n")
	for _, path := range p.TreePaths {
		b.WriteString(path)
		b.WriteByte('\n')
	}

	if len(p.Files) > 0 {
		b.WriteString("\n## Relevant files\n")
		for _, f := range p.Files {
			fmt.Fprintf(&b, "\n### %s\n```\n%s", f.Path, f.Content)
			if !strings.HasSuffix(f.Content, "\n") {
				b.WriteByte('\n')
			}
			b.WriteString("```\n")
		}
	}
	return b.String()
}
