package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	dbPath      string
	llmFlag     string
	embedFlag   string
	workersFlag string
	verbose     bool
	jsonOut     bool
)

var rootCmd = &cobra.Command{
	Use:   "facts",
	Short: "studio-facts - provenance-tracked fact extraction and review",
	Long: `studio-facts extracts atomic facts from conversation and document bundles,
verifies every quote against its source, and keeps a reviewed, deduplicated
fact store per project.

Facts flow from extraction (proposed or hypothesis) through review (accepted
or rejected). Near-duplicates are grouped and contradictions are raised as
issues for a human to resolve.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	Version:       version,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.studio-facts/config.yaml)")
	pf.StringVar(&dbPath, "db", "", "database path (default: ~/.studio-facts/facts.db)")
	pf.StringVar(&llmFlag, "llm", "", "extraction model as provider/model (default: openai/gpt-5-mini)")
	pf.StringVar(&embedFlag, "embed", "", "embedding model as provider/model (default: openai/text-embedding-3-large)")
	pf.StringVar(&workersFlag, "workers", "", "post-processing workers (default: 4)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	pf.BoolVar(&jsonOut, "json", false, "print JSON instead of text")

	rootCmd.AddCommand(
		bundleCmd,
		itemCmd,
		extractCmd,
		factsCmd,
		issuesCmd,
		runsCmd,
		contextCmd,
		acceptCmd,
		rejectCmd,
		editCmd,
		deleteCmd,
		assignCmd,
		resolveCmd,
		postProcessCmd,
		enableCmd,
		disableCmd,
		statsCmd,
		configCmd,
		serveCmd,
		apiCmd,
	)
}
