package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.studio-facts/from-config.db
llm:
  provider: openrouter/openai/gpt-5-mini
  judge: openai/gpt-4o-mini
embed:
  provider: ollama/nomic-embed-text
chunk:
  size: 2000
  overlap: 100
workers: 2
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("FACTS_DB", "~/from-env.db")
	t.Setenv("FACTS_LLM", "google/gemini-2.5-flash")
	t.Setenv("FACTS_CHUNK_OVERLAP", "300")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		CLILLM:     "openai/gpt-5-mini",
		CLIDBPath:  "~/from-cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if strings.HasPrefix(resolved.DBPath.Value, "~") {
		t.Fatalf("expected expanded db path, got %q", resolved.DBPath.Value)
	}
	if resolved.LLM.Source != SourceCLI || resolved.LLM.Value != "openai/gpt-5-mini" {
		t.Fatalf("expected llm from cli, got %+v", resolved.LLM)
	}
	if resolved.JudgeLLM.Source != SourceConfig {
		t.Fatalf("expected judge model from config, got %s", resolved.JudgeLLM.Source)
	}
	if resolved.ChunkSize.Value != "2000" || resolved.ChunkSize.Source != SourceConfig {
		t.Fatalf("unexpected chunk size: %+v", resolved.ChunkSize)
	}
	if resolved.ChunkOverlap.Value != "300" || resolved.ChunkOverlap.From != "FACTS_CHUNK_OVERLAP" {
		t.Fatalf("unexpected chunk overlap: %+v", resolved.ChunkOverlap)
	}
	if n, err := resolved.Workers.Int(4); err != nil || n != 2 {
		t.Fatalf("workers = %d, %v", n, err)
	}
}

func TestResolveConfig_MissingFile(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	if err != nil {
		t.Fatalf("missing config should not fail: %v", err)
	}
	if resolved.LLM.Value != "" || resolved.LLM.Source != "" {
		t.Fatalf("expected unset llm, got %+v", resolved.LLM)
	}
}

func TestResolveConfig_InvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(cfgPath, []byte("llm: [unclosed"), 0o600)
	if _, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEffectiveJudgeModel_Fallback(t *testing.T) {
	resolved := ResolvedConfig{LLM: ResolvedValue{Value: "openai/gpt-5-mini", Source: SourceConfig}}
	if m := resolved.EffectiveJudgeModel(); m.Value != "openai/gpt-5-mini" || m.Source != SourceConfig {
		t.Fatalf("unexpected judge model: %+v", m)
	}
}

func TestAPIKeyForProvider_EnvOverridesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `llm:
  provider: openrouter/openai/gpt-5-mini
  api_key: config-key
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPENROUTER_API_KEY", "env-key")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	k := resolved.APIKeyForProvider("openrouter/some-model")
	if k.Value != "env-key" {
		t.Fatalf("expected env key, got %q", k.Value)
	}
	if k.Source != SourceEnv {
		t.Fatalf("expected source env, got %s", k.Source)
	}
}

func TestPolicy(t *testing.T) {
	p, err := ResolvedConfig{}.Policy()
	if err != nil || p.Merge != 0.90 || p.Neighbors != 8 {
		t.Fatalf("expected defaults, got %+v, %v", p, err)
	}

	p, err = ResolvedConfig{MergeThreshold: ResolvedValue{Value: "0.95"}, AcceptThreshold: ResolvedValue{Value: "0.7"}}.Policy()
	if err != nil || p.Merge != 0.95 || p.Accept != 0.7 {
		t.Fatalf("unexpected policy: %+v, %v", p, err)
	}

	if _, err := (ResolvedConfig{JudgeThreshold: ResolvedValue{Value: "high", From: "FACTS_THRESHOLDS_JUDGE"}}).Policy(); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := (ResolvedConfig{SuggestThreshold: ResolvedValue{Value: "0.95"}}).Policy(); err == nil {
		t.Fatal("expected suggest > merge error")
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey("thresholds.merge"); got != "FACTS_THRESHOLDS_MERGE" {
		t.Fatalf("EnvKey = %q", got)
	}
}
