package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/eliranbeatt/studio-facts/internal/lifecycle"
	"github.com/eliranbeatt/studio-facts/internal/store"
	"github.com/spf13/cobra"
)

// run opens the app for mode and hands it to fn.
func run(mode modelMode, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, mode)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

// --- Intake ---

var bundleID string

var bundleCmd = &cobra.Command{
	Use:   "bundle <project> [text|-]",
	Short: "Store a text bundle; reads stdin when text is - or omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		text, err := textArg(args[1:])
		if err != nil {
			return err
		}
		id, err := a.store.AddBundle(ctx, &store.Bundle{ID: bundleID, Project: args[0], Text: text})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]string{"bundle_id": id})
		}
		fmt.Println(id)
		return nil
	}),
}

var itemID string

var itemCmd = &cobra.Command{
	Use:   "item <project> [name]",
	Short: "Add or rename a catalog item; lists the catalog without a name",
	Args:  cobra.RangeArgs(1, 2),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		if len(args) == 1 {
			items, err := a.store.ListItems(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(items)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\n", it.ID, it.Name)
			}
			return w.Flush()
		}
		id, err := a.store.AddItem(ctx, &store.Item{ID: itemID, Project: args[0], Name: args[1]})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}),
}

var extractCmd = &cobra.Command{
	Use:   "extract <bundle-id>...",
	Short: "Run fact extraction for bundles and wait for post-processing",
	Args:  cobra.MinimumNArgs(1),
	RunE: run(modelsRequired, func(ctx context.Context, a *app, args []string) error {
		var failed int
		for _, id := range args {
			out, err := a.orchestrator.Process(ctx, id)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
				if out == nil {
					continue
				}
			}
			if jsonOut {
				if err := printJSON(out); err != nil {
					return err
				}
				continue
			}
			switch {
			case out.Skipped:
				fmt.Printf("%s: skipped (%s)\n", id, out.SkipReason)
			default:
				fmt.Printf("%s: run %d %s, %d facts (%d user, %d hypotheses, %d exact duplicates)\n",
					id, out.RunID, out.Status, out.Stats.FactsProduced, out.Stats.UserFacts,
					out.Stats.Hypotheses, out.Stats.ExactDuplicates)
			}
		}
		a.pool.Wait()
		if verbose {
			st := a.pool.Stats()
			fmt.Fprintf(os.Stderr, "post-processing: %d succeeded, %d failed\n", st.Succeeded, st.Failed)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d bundles failed", failed, len(args))
		}
		return nil
	}),
}

// --- Queries ---

var (
	statusFlag string
	scopeFlag  string
	limitFlag  int
	itemsFlag  []string
	queryFlag  string
)

var factsCmd = &cobra.Command{
	Use:   "facts <project>",
	Short: "List facts, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		q := lifecycle.FactQuery{Project: args[0], Status: statusFlag, ScopeType: scopeFlag, Limit: limitFlag}
		if len(itemsFlag) > 0 {
			q.ItemID = itemsFlag[0]
		}
		facts, err := a.service.ListFacts(ctx, q)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(orEmpty(facts))
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, f := range facts {
			scope := f.ScopeType
			if f.ItemID != "" {
				scope += ":" + f.ItemID
			}
			fmt.Fprintf(w, "#%d\t%s\t%s\t%.2f\t%d\t%s\t%s\n",
				f.ID, f.Status, f.Category, f.Confidence, f.Importance, scope, f.Text)
		}
		return w.Flush()
	}),
}

var issuesCmd = &cobra.Command{
	Use:   "issues <project>",
	Short: "List review issues (open unless --status)",
	Args:  cobra.ExactArgs(1),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		issues, err := a.service.ListIssues(ctx, args[0], statusFlag, limitFlag)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(orEmpty(issues))
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, is := range issues {
			fmt.Fprintf(w, "#%d\t%s\t%s\t%s\tfact #%d\t%v\t%s\n",
				is.ID, is.Type, is.Severity, is.Status, is.FactID, is.RelatedFactIDs, is.Explanation)
		}
		return w.Flush()
	}),
}

var runsCmd = &cobra.Command{
	Use:   "runs <project>",
	Short: "List extraction runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		runs, err := a.service.ListRuns(ctx, args[0], limitFlag)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(orEmpty(runs))
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, r := range runs {
			msg := ""
			if r.Error != nil {
				msg = r.Error.Message
			}
			fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%d facts\t%d dup\t%d sem\t%d contra\t%s\n",
				r.ID, r.BundleID, r.Status, r.Model, r.Stats.FactsProduced, r.Stats.ExactDuplicates,
				r.Stats.SemanticCandidates, r.Stats.Contradictions, msg)
		}
		return w.Flush()
	}),
}

var contextCmd = &cobra.Command{
	Use:   "context <project>",
	Short: "Print the facts usable as ground truth for a project or items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := modelsNone
		if queryFlag != "" {
			mode = modelsRequired
		}
		return run(mode, func(ctx context.Context, a *app, args []string) error {
			res, err := a.service.Context(ctx, lifecycle.ContextQuery{
				Project:   args[0],
				ScopeType: scopeFlag,
				ItemIDs:   itemsFlag,
				QueryText: queryFlag,
				Limit:     limitFlag,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Println(res.Bullets)
			return nil
		})(cmd, args)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [project]",
	Short: "Show store counts for one project or all",
	Args:  cobra.MaximumNArgs(1),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		stats, err := a.service.Stats(ctx, project)
		if err != nil {
			return err
		}
		return printJSON(stats)
	}),
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration and where each value came from",
	Args:  cobra.NoArgs,
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		cfg := a.cfg
		cfg.EmbedAPIKey.Value = mask(cfg.EmbedAPIKey.Value)
		keys := make(map[string]interface{}, len(cfg.LLMKeys))
		for p, v := range cfg.LLMKeys {
			v.Value = mask(v.Value)
			keys[p] = v
		}
		cfg.LLMKeys = nil
		return printJSON(map[string]interface{}{"config": cfg, "llm_keys": keys})
	}),
}

// --- Review ---

func factActionCmd(use, short string, fn func(s *lifecycle.Service) func(context.Context, int64) (*lifecycle.Action, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <fact-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				act, err := fn(a.service)(ctx, id)
				if err != nil {
					return err
				}
				if err := printAction(act); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

var (
	acceptCmd = factActionCmd("accept", "Accept proposed or hypothesis facts",
		func(s *lifecycle.Service) func(context.Context, int64) (*lifecycle.Action, error) { return s.Accept })
	rejectCmd = factActionCmd("reject", "Reject facts",
		func(s *lifecycle.Service) func(context.Context, int64) (*lifecycle.Action, error) { return s.Reject })
	deleteCmd = factActionCmd("delete", "Delete facts with their embeddings, issues and group membership",
		func(s *lifecycle.Service) func(context.Context, int64) (*lifecycle.Action, error) { return s.Delete })
)

var editCmd = &cobra.Command{
	Use:   "edit <fact-id> <text>",
	Short: "Replace a fact's text and re-embed it",
	Args:  cobra.ExactArgs(2),
	RunE: run(modelsOptional, func(ctx context.Context, a *app, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		act, err := a.service.UpdateText(ctx, id, args[1])
		if err != nil {
			return err
		}
		return printAction(act)
	}),
}

var assignCmd = &cobra.Command{
	Use:   "assign <fact-id> <item-id>",
	Short: "Scope a fact to a catalog item",
	Args:  cobra.ExactArgs(2),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		act, err := a.service.AssignItem(ctx, id, args[1])
		if err != nil {
			return err
		}
		return printAction(act)
	}),
}

var dismiss bool

var resolveCmd = &cobra.Command{
	Use:   "resolve <issue-id>...",
	Short: "Resolve (or --dismiss) review issues",
	Args:  cobra.MinimumNArgs(1),
	RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
		status := store.IssueResolved
		if dismiss {
			status = store.IssueDismissed
		}
		for _, arg := range args {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			act, err := a.service.ResolveIssue(ctx, id, status)
			if err != nil {
				return err
			}
			if err := printAction(act); err != nil {
				return err
			}
		}
		return nil
	}),
}

var postProcessCmd = &cobra.Command{
	Use:   "post-process <fact-id>...",
	Short: "Re-run embedding, grouping and contradiction checks",
	Args:  cobra.MinimumNArgs(1),
	RunE: run(modelsRequired, func(ctx context.Context, a *app, args []string) error {
		for _, arg := range args {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			res, err := a.service.PostProcess(ctx, id)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
		}
		return nil
	}),
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: run(modelsNone, func(ctx context.Context, a *app, args []string) error {
			if err := a.service.SetFactsEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("%s: facts_enabled=%t\n", args[0], enabled)
			return nil
		}),
	}
}

var (
	enableCmd  = setEnabledCmd("enable", "Turn the fact pipeline on for a project", true)
	disableCmd = setEnabledCmd("disable", "Turn the fact pipeline off for a project", false)
)

func init() {
	bundleCmd.Flags().StringVar(&bundleID, "id", "", "bundle id (default: generated)")
	itemCmd.Flags().StringVar(&itemID, "id", "", "item id (default: generated; an existing id is renamed)")

	for _, c := range []*cobra.Command{factsCmd, issuesCmd, runsCmd, contextCmd} {
		c.Flags().IntVar(&limitFlag, "limit", 0, "maximum number of results")
	}
	factsCmd.Flags().StringVar(&statusFlag, "status", "", "filter by status")
	factsCmd.Flags().StringVar(&scopeFlag, "scope", "", "filter by scope (project, item)")
	factsCmd.Flags().StringSliceVar(&itemsFlag, "item", nil, "filter by item id")
	issuesCmd.Flags().StringVar(&statusFlag, "status", "", "issue status: open, resolved, dismissed, all")
	contextCmd.Flags().StringVar(&scopeFlag, "scope", "", "context scope: project, item, multiItem")
	contextCmd.Flags().StringSliceVar(&itemsFlag, "item", nil, "item ids to include")
	contextCmd.Flags().StringVar(&queryFlag, "query", "", "rank facts by similarity to this text")
	resolveCmd.Flags().BoolVar(&dismiss, "dismiss", false, "dismiss instead of resolving")
}

// --- Helpers ---

func textArg(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(b), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printAction(act *lifecycle.Action) error {
	if jsonOut {
		return printJSON(act)
	}
	target := fmt.Sprintf("fact #%d", act.FactID)
	if act.IssueID != 0 {
		target = fmt.Sprintf("issue #%d", act.IssueID)
	}
	switch {
	case act.Skipped:
		fmt.Printf("%s %s: skipped (facts disabled)\n", act.Action, target)
	case !act.Applied:
		fmt.Printf("%s %s: no change (%s)\n", act.Action, target, act.Reason)
	case act.Reason != "":
		fmt.Printf("%s %s: %s -> %s (%s)\n", act.Action, target, act.FromState, act.ToState, act.Reason)
	default:
		fmt.Printf("%s %s: %s -> %s\n", act.Action, target, act.FromState, act.ToState)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func mask(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
