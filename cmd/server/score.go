package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keyton-weissinger/patchworkmcp/internal/config"
	"github.com/keyton-weissinger/patchworkmcp/internal/core"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

type scoreOpts struct {
	repoPath   string
	branch     string
	policyPath string
	dbPath     string
	id         string
	item       store.FeedbackItem
}

// newScoreCmd ranks the files of a local checkout against a feedback item,
// the same way a draft attempt picks its context.
func newScoreCmd() *cobra.Command {
	var o scoreOpts

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Rank repository files against a feedback item",
		Long: "Scores every committed file of a local git repository against a feedback item " +
			"and prints the candidates a draft attempt would read.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd, o)
		},
	}

	cmd.Flags().StringVarP(&o.repoPath, "repo", "r", ".", "path to a local git repository")
	cmd.Flags().StringVarP(&o.branch, "branch", "b", "", "branch to score (default HEAD)")
	cmd.Flags().StringVar(&o.policyPath, "policy", "", "YAML scoring policy file")
	cmd.Flags().StringVar(&o.dbPath, "db", "feedback.db", "feedback database, used with --id")
	cmd.Flags().StringVar(&o.id, "id", "", "score a stored feedback item")
	cmd.Flags().StringVar(&o.item.ServerName, "server", "", "server name")
	cmd.Flags().StringVar(&o.item.WhatINeeded, "needed", "", "what the agent needed")
	cmd.Flags().StringVar(&o.item.WhatITried, "tried", "", "what the agent tried")
	cmd.Flags().StringVar(&o.item.Suggestion, "suggestion", "", "suggested fix")
	return cmd
}

func runScore(cmd *cobra.Command, o scoreOpts) error {
	policy := config.DefaultPolicy()
	if o.policyPath != "" {
		p, err := config.LoadPolicy(o.policyPath)
		if err != nil {
			return err
		}
		policy = *p
	}

	item := &o.item
	if o.id != "" {
		db, err := store.NewSQLiteStore(o.dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if item, err = db.Get(cmd.Context(), o.id); err != nil {
			return err
		}
	} else if item.WhatINeeded == "" {
		return fmt.Errorf("either --id or --needed is required")
	}

	src := repo.NewLocalSource(o.repoPath)
	tree, err := src.ReadTree(cmd.Context(), repo.Ref{Base: o.branch})
	if err != nil {
		return err
	}

	candidates := core.NewScorer(policy).Score(tree, item)
	if len(candidates) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No relevant files.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tSIZE\tPATH")
	for _, c := range candidates {
		fmt.Fprintf(tw, "%.2f\t%d\t%s\n", c.RelevanceScore, c.SizeBytes, c.Path)
	}
	return tw.Flush()
}
