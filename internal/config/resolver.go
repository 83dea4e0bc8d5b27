// Package config resolves runtime settings from, in increasing
// precedence: built-in defaults, the YAML config file, environment
// variables, and CLI flags. Every resolved value remembers where it
// came from so `bitacora config` can explain the effective setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is a setting plus its provenance.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries CLI flag overrides into resolution.
type ResolveOptions struct {
	ConfigPath string
	CLILLM     string
	CLIEmbed   string
	CLIDBPath  string
	CLIOwner   string
}

// ResolvedConfig is the full effective configuration.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath  ResolvedValue `json:"db_path"`
	OwnerID ResolvedValue `json:"owner_id"`

	LLMProvider      ResolvedValue `json:"llm_provider"`
	LLMClassifyModel ResolvedValue `json:"llm_classify_model"`
	LLMSplitModel    ResolvedValue `json:"llm_split_model"`
	LLMRouteModel    ResolvedValue `json:"llm_route_model"`

	EmbedProvider ResolvedValue `json:"embed_provider"`
	EmbedAPIKey   ResolvedValue `json:"embed_api_key"`
	EmbedEndpoint ResolvedValue `json:"embed_endpoint"`

	RelationThreshold ResolvedValue `json:"relation_threshold"`
	HTTPAddr          ResolvedValue `json:"http_addr"`

	LLMKeys map[string]ResolvedValue `json:"llm_keys,omitempty"`
}

type fileConfig struct {
	DBPath  string `yaml:"db_path"`
	OwnerID string `yaml:"owner_id"`
	LLM     struct {
		Provider      string `yaml:"provider"`
		APIKey        string `yaml:"api_key"`
		ClassifyModel string `yaml:"classify_model"`
		SplitModel    string `yaml:"split_model"`
		RouteModel    string `yaml:"route_model"`
	} `yaml:"llm"`
	Embed struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embed"`
	Relations struct {
		Threshold string `yaml:"threshold"`
	} `yaml:"relations"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

// DefaultConfigPath is where the config file lives unless overridden.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".bitacora", "config.yaml")
}

// ResolveConfig loads the file (if any) and layers env and CLI values
// on top. A missing config file is not an error.
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
		apply(&out.OwnerID, cfg.OwnerID, SourceConfig, path)
		apply(&out.LLMProvider, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.LLMClassifyModel, cfg.LLM.ClassifyModel, SourceConfig, path)
		apply(&out.LLMSplitModel, cfg.LLM.SplitModel, SourceConfig, path)
		apply(&out.LLMRouteModel, cfg.LLM.RouteModel, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.RelationThreshold, cfg.Relations.Threshold, SourceConfig, path)
		apply(&out.HTTPAddr, cfg.HTTP.Addr, SourceConfig, path)

		if key := strings.TrimSpace(cfg.Embed.APIKey); key != "" {
			out.EmbedAPIKey = ResolvedValue{Value: key, Source: SourceConfig, From: path}
		}

		if key := strings.TrimSpace(cfg.LLM.APIKey); key != "" {
			providers := map[string]struct{}{}
			for _, v := range []string{cfg.LLM.Provider, cfg.LLM.ClassifyModel, cfg.LLM.SplitModel, cfg.LLM.RouteModel} {
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

	applyEnv(&out.DBPath, "BITACORA_DB")
	applyEnv(&out.DBPath, "BITACORA_DB_PATH")
	applyEnv(&out.OwnerID, "BITACORA_OWNER")

	applyEnv(&out.LLMProvider, "BITACORA_LLM")
	applyEnv(&out.LLMClassifyModel, "BITACORA_LLM_CLASSIFY")
	applyEnv(&out.LLMSplitModel, "BITACORA_LLM_SPLIT")
	applyEnv(&out.LLMRouteModel, "BITACORA_LLM_ROUTE")

	applyEnv(&out.EmbedProvider, "BITACORA_EMBED")
	applyEnv(&out.EmbedEndpoint, "BITACORA_EMBED_ENDPOINT")
	if v := strings.TrimSpace(os.Getenv("BITACORA_EMBED_API_KEY")); v != "" {
		out.EmbedAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: "BITACORA_EMBED_API_KEY"}
	}

	applyEnv(&out.RelationThreshold, "BITACORA_RELATION_THRESHOLD")
	applyEnv(&out.HTTPAddr, "BITACORA_HTTP_ADDR")

	for env, provider := range map[string]string{
		"BITACORA_LLM_API_KEY": "default",
		"OPENROUTER_API_KEY":   "openrouter",
		"OPENAI_API_KEY":       "openai",
		"GEMINI_API_KEY":       "google",
		"GOOGLE_API_KEY":       "google",
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			out.LLMKeys[provider] = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")
	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.OwnerID, opts.CLIOwner, SourceCLI, "--owner")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	if out.OwnerID.Value == "" {
		out.OwnerID = ResolvedValue{Value: "default", Source: SourceDefault, From: "built-in default"}
	}

	return out, nil
}

// EffectiveLLMModel picks the model for a purpose (classify, split,
// route), falling back to the general provider setting and then the
// built-in default.
func (r ResolvedConfig) EffectiveLLMModel(purpose, fallback string) ResolvedValue {
	purpose = strings.ToLower(strings.TrimSpace(purpose))

	candidates := []ResolvedValue{}
	switch purpose {
	case "classify":
		candidates = append(candidates, r.LLMClassifyModel)
	case "split":
		candidates = append(candidates, r.LLMSplitModel)
	case "route":
		candidates = append(candidates, r.LLMRouteModel)
	}
	candidates = append(candidates, r.LLMProvider)

	for _, c := range candidates {
		if strings.TrimSpace(c.Value) == "" {
			continue
		}
		if strings.Contains(c.Value, "/") {
			return c
		}
		if fallback != "" && strings.HasPrefix(strings.ToLower(fallback), strings.ToLower(strings.TrimSpace(c.Value))+"/") {
			return ResolvedValue{Value: fallback, Source: c.Source, From: c.From}
		}
	}

	if strings.TrimSpace(fallback) != "" {
		return ResolvedValue{Value: fallback, Source: SourceDefault, From: "built-in default"}
	}
	return ResolvedValue{}
}

// APIKeyForProvider finds the key for a provider or provider/model
// string, falling back to the default key.
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

// RelationThresholdValue parses the configured similarity threshold,
// returning fallback when unset or unparseable.
func (r ResolvedConfig) RelationThresholdValue(fallback float64) float64 {
	v := strings.TrimSpace(r.RelationThreshold.Value)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		return fallback
	}
	return f
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

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
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
