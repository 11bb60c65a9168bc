package core

import (
	"path"
	"sort"
	"strings"

	"github.com/keyton-weissinger/patchworkmcp/internal/config"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
	"github.com/keyton-weissinger/patchworkmcp/internal/utils"
)

// RepoFileCandidate is one ranked file of a repository tree. Candidates are
// recomputed on every attempt and never cached.
type RepoFileCandidate struct {
	Path           string  `json:"path"`
	SizeBytes      int64   `json:"size_bytes"`
	RelevanceScore float64 `json:"relevance_score"`
	Extension      string  `json:"extension"`
}

// Scorer ranks repository files by how likely they are to matter for a
// feedback item. It holds no state beyond its policy.
type Scorer struct {
	policy         config.ScoringPolicy
	excludedDirs   map[string]bool
	sourceExts     map[string]bool
	penalizedFiles map[string]bool
}

func NewScorer(policy config.ScoringPolicy) *Scorer {
	return &Scorer{
		policy:         policy,
		excludedDirs:   lowerSet(policy.ExcludedDirs),
		sourceExts:     lowerSet(policy.SourceExtensions),
		penalizedFiles: lowerSet(policy.PenalizedFiles),
	}
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = true
	}
	return set
}

// Score returns at most TopK candidates, highest score first and ties broken
// by path. Excluded paths and files nothing points at are dropped.
func (s *Scorer) Score(tree []repo.TreeEntry, item *store.FeedbackItem) []RepoFileCandidate {
	query := utils.TokenSet(item.WhatINeeded, item.WhatITried, item.Suggestion)
	server := normalizeName(item.ServerName)
	if server == "unknown" {
		server = ""
	}

	var out []RepoFileCandidate
	for _, entry := range tree {
		if s.excluded(entry.Path) {
			continue
		}
		score := s.scoreOne(entry, query, server)
		if score <= 0 {
			continue
		}
		out = append(out, RepoFileCandidate{
			Path:           entry.Path,
			SizeBytes:      entry.Size,
			RelevanceScore: score,
			Extension:      strings.ToLower(path.Ext(entry.Path)),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > s.policy.TopK {
		out = out[:s.policy.TopK]
	}
	return out
}

// excluded reports whether any directory segment of p is excluded or hidden.
func (s *Scorer) excluded(p string) bool {
	segments := strings.Split(p, "/")
	for _, seg := range segments[:len(segments)-1] {
		if strings.HasPrefix(seg, ".") || s.excludedDirs[strings.ToLower(seg)] {
			return true
		}
	}
	return false
}

func (s *Scorer) scoreOne(entry repo.TreeEntry, query map[string]struct{}, server string) float64 {
	p := s.policy
	lower := strings.ToLower(entry.Path)
	base := path.Base(lower)

	score := float64(utils.Overlap(query, entry.Path)) * p.TokenWeight

	if s.sourceExts[path.Ext(lower)] {
		score += p.ExtensionWeight
	}
	for _, kw := range p.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			score += p.KeywordWeight
		}
	}
	if server != "" && strings.Contains(normalizeName(entry.Path), server) {
		score += p.ServerNameWeight
	}

	if s.penalizedFiles[base] || s.penalizedExt(base) {
		score -= p.PenaltyWeight
	}
	if p.LargeFileBytes > 0 && entry.Size > p.LargeFileBytes {
		score -= p.PenaltyWeight
	}
	return score
}

func (s *Scorer) penalizedExt(base string) bool {
	for _, ext := range s.policy.PenalizedExtensions {
		if strings.HasSuffix(base, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}
