// Package config resolves studio-facts settings from the config file, the
// environment and command-line flags, remembering where each value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/eliranbeatt/studio-facts/internal/dedup"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every studio-facts environment variable.
const EnvPrefix = "FACTS"

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	CLILLM     string
	CLIEmbed   string
	CLIDBPath  string
	CLIWorkers string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath   ResolvedValue `json:"db_path"`
	LLM      ResolvedValue `json:"llm"`
	JudgeLLM ResolvedValue `json:"judge_llm"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	ChunkSize    ResolvedValue `json:"chunk_size"`
	ChunkOverlap ResolvedValue `json:"chunk_overlap"`

	AcceptThreshold  ResolvedValue `json:"accept_threshold"`
	SuggestThreshold ResolvedValue `json:"suggest_threshold"`
	MergeThreshold   ResolvedValue `json:"merge_threshold"`
	ContextThreshold ResolvedValue `json:"context_threshold"`
	JudgeThreshold   ResolvedValue `json:"judge_threshold"`

	Workers   ResolvedValue `json:"workers"`
	RateLimit ResolvedValue `json:"rate_limit"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	LLM    struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Judge    string `yaml:"judge"`
	} `yaml:"llm"`
	Embed struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Chunk struct {
		Size    string `yaml:"size"`
		Overlap string `yaml:"overlap"`
	} `yaml:"chunk"`
	Thresholds struct {
		Accept  string `yaml:"accept"`
		Suggest string `yaml:"suggest"`
		Merge   string `yaml:"merge"`
		Context string `yaml:"context"`
		Judge   string `yaml:"judge"`
	} `yaml:"thresholds"`
	Workers   string `yaml:"workers"`
	RateLimit string `yaml:"rate_limit"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".studio-facts", "config.yaml")
}

// ResolveConfig layers config file, then FACTS_* environment, then CLI flags.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		LLMKeys:    map[string]ResolvedValue{},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.LLM, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.JudgeLLM, cfg.LLM.Judge, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		apply(&out.ChunkSize, cfg.Chunk.Size, SourceConfig, path)
		apply(&out.ChunkOverlap, cfg.Chunk.Overlap, SourceConfig, path)
		apply(&out.AcceptThreshold, cfg.Thresholds.Accept, SourceConfig, path)
		apply(&out.SuggestThreshold, cfg.Thresholds.Suggest, SourceConfig, path)
		apply(&out.MergeThreshold, cfg.Thresholds.Merge, SourceConfig, path)
		apply(&out.ContextThreshold, cfg.Thresholds.Context, SourceConfig, path)
		apply(&out.JudgeThreshold, cfg.Thresholds.Judge, SourceConfig, path)
		apply(&out.Workers, cfg.Workers, SourceConfig, path)
		apply(&out.RateLimit, cfg.RateLimit, SourceConfig, path)

		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			providers := map[string]struct{}{}
			for _, v := range []string{cfg.LLM.Provider, cfg.LLM.Judge} {
				if p := providerOf(v); p != "" {
					providers[p] = struct{}{}
				}
			}
			if len(providers) == 0 {
				providers["default"] = struct{}{}
			}
			for p := range providers {
				out.LLMKeys[p] = ResolvedValue{Value: key, Source: SourceConfig, From: path}
			}
		}
	}

	env := newEnv()
	env.apply(&out.DBPath, "db")
	env.apply(&out.DBPath, "db_path")
	env.apply(&out.LLM, "llm")
	env.apply(&out.JudgeLLM, "judge_llm")
	env.apply(&out.EmbedProvider, "embed")
	env.apply(&out.EmbedEndpoint, "embed_endpoint")
	env.apply(&out.EmbedAPIKey, "embed_api_key")
	env.apply(&out.ChunkSize, "chunk.size")
	env.apply(&out.ChunkOverlap, "chunk.overlap")
	env.apply(&out.AcceptThreshold, "thresholds.accept")
	env.apply(&out.SuggestThreshold, "thresholds.suggest")
	env.apply(&out.MergeThreshold, "thresholds.merge")
	env.apply(&out.ContextThreshold, "thresholds.context")
	env.apply(&out.JudgeThreshold, "thresholds.judge")
	env.apply(&out.Workers, "workers")
	env.apply(&out.RateLimit, "rate_limit")

	for envKey, provider := range map[string]string{
		"OPENROUTER_API_KEY": "openrouter",
		"OPENAI_API_KEY":     "openai",
		"GEMINI_API_KEY":     "google",
		"GOOGLE_API_KEY":     "google",
	} {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
		}
	}

	apply(&out.LLM, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Workers, opts.CLIWorkers, SourceCLI, "--workers")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// EffectiveJudgeModel falls back to the extraction model when no judge model
// is configured.
func (r ResolvedConfig) EffectiveJudgeModel() ResolvedValue {
	if strings.TrimSpace(r.JudgeLLM.Value) != "" {
		return r.JudgeLLM
	}
	return r.LLM
}

func (r ResolvedConfig) APIKeyForProvider(providerOrModel string) ResolvedValue {
	provider := providerOf(providerOrModel)
	if provider == "" {
		return ResolvedValue{}
	}
	if v, ok := r.LLMKeys[provider]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	if v, ok := r.LLMKeys["default"]; ok && strings.TrimSpace(v.Value) != "" {
		return v
	}
	return ResolvedValue{}
}

// Policy builds the dedup thresholds, starting from the defaults.
func (r ResolvedConfig) Policy() (dedup.Policy, error) {
	p := dedup.DefaultPolicy()
	for _, t := range []struct {
		name string
		v    ResolvedValue
		dst  *float64
	}{
		{"accept", r.AcceptThreshold, &p.Accept},
		{"suggest", r.SuggestThreshold, &p.Suggest},
		{"merge", r.MergeThreshold, &p.Merge},
		{"context", r.ContextThreshold, &p.Context},
		{"judge", r.JudgeThreshold, &p.Judge},
	} {
		if t.v.Value == "" {
			continue
		}
		f, err := strconv.ParseFloat(t.v.Value, 64)
		if err != nil || f < 0 || f > 1 {
			return p, fmt.Errorf("threshold %s=%q (from %s) must be a number in [0,1]", t.name, t.v.Value, t.v.From)
		}
		*t.dst = f
	}
	if p.Suggest > p.Merge {
		return p, fmt.Errorf("suggest threshold %.2f exceeds merge threshold %.2f", p.Suggest, p.Merge)
	}
	return p, nil
}

// Int parses v as a non-negative integer, returning fallback when unset.
func (v ResolvedValue) Int(fallback int) (int, error) {
	if strings.TrimSpace(v.Value) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.Value))
	if err != nil || n < 0 {
		return fallback, fmt.Errorf("invalid integer %q (from %s)", v.Value, v.From)
	}
	return n, nil
}

// Float parses v as a non-negative number, returning fallback when unset.
func (v ResolvedValue) Float(fallback float64) (float64, error) {
	if strings.TrimSpace(v.Value) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
	if err != nil || f < 0 {
		return fallback, fmt.Errorf("invalid number %q (from %s)", v.Value, v.From)
	}
	return f, nil
}

func providerOf(providerOrModel string) string {
	v := strings.ToLower(strings.TrimSpace(providerOrModel))
	if v == "" {
		return ""
	}
	if idx := strings.Index(v, "/"); idx > 0 {
		return v[:idx]
	}
	return v
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

// envSource reads FACTS_* variables through viper; "chunk.size" maps to
// FACTS_CHUNK_SIZE.
type envSource struct {
	v *viper.Viper
}

func newEnv() envSource {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return envSource{v: v}
}

func (e envSource) apply(dst *ResolvedValue, key string) {
	if v := strings.TrimSpace(e.v.GetString(key)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: EnvKey(key)}
	}
}

// EnvKey returns the environment variable name for a config key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
