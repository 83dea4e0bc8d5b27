package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfig_Precedence_ConfigEnvCLI(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `db_path: ~/.bitacora/from-config.db
llm:
  provider: openai/gpt-4o-mini
  classify_model: openai/gpt-4o
embed:
  provider: ollama/nomic-embed-text
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BITACORA_DB", "~/from-env.db")
	t.Setenv("BITACORA_LLM", "google/gemini-2.5-flash")

	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: cfgPath,
		CLILLM:     "openai/gpt-4.1-mini",
		CLIDBPath:  "~/from-cli.db",
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if resolved.DBPath.Source != SourceCLI {
		t.Fatalf("expected DB path source cli, got %s", resolved.DBPath.Source)
	}
	if resolved.LLMProvider.Source != SourceCLI {
		t.Fatalf("expected llm provider source cli, got %s", resolved.LLMProvider.Source)
	}
	if resolved.LLMClassifyModel.Source != SourceConfig {
		t.Fatalf("expected classify model from config, got %s", resolved.LLMClassifyModel.Source)
	}
}

func TestResolveConfig_MissingFileIsFine(t *testing.T) {
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nope.yaml"),
	})
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}
	if resolved.OwnerID.Value != "default" {
		t.Fatalf("expected default owner, got %q", resolved.OwnerID.Value)
	}
	if resolved.OwnerID.Source != SourceDefault {
		t.Fatalf("expected default source, got %s", resolved.OwnerID.Source)
	}
}

func TestEffectiveLLMModel_PurposeFallback(t *testing.T) {
	resolved := ResolvedConfig{
		LLMProvider:      ResolvedValue{Value: "openai", Source: SourceConfig},
		LLMClassifyModel: ResolvedValue{Value: "", Source: SourceUnknown},
	}

	m := resolved.EffectiveLLMModel("classify", "openai/gpt-4o-mini")
	if m.Value != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected effective model: %q", m.Value)
	}
	if m.Source != SourceConfig {
		t.Fatalf("expected source=config from provider fallback, got %s", m.Source)
	}
}

func TestAPIKeyForProvider_EnvOverridesConfig(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	yaml := `llm:
  provider: openai/gpt-4o-mini
  api_key: config-key
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPENAI_API_KEY", "env-key")

	resolved, err := ResolveConfig(ResolveOptions{ConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	k := resolved.APIKeyForProvider("openai/some-model")
	if k.Value != "env-key" {
		t.Fatalf("expected env key, got %q", k.Value)
	}
	if k.Source != SourceEnv {
		t.Fatalf("expected source env, got %s", k.Source)
	}
}

func TestRelationThresholdValue(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"", 0.75},
		{"0.8", 0.8},
		{"not-a-number", 0.75},
		{"1.5", 0.75},
		{"-0.2", 0.75},
	}
	for _, tt := range tests {
		r := ResolvedConfig{RelationThreshold: ResolvedValue{Value: tt.raw}}
		if got := r.RelationThresholdValue(0.75); got != tt.want {
			t.Errorf("threshold %q: expected %v, got %v", tt.raw, tt.want, got)
		}
	}
}

func TestResolveConfig_DefaultLLMKey(t *testing.T) {
	t.Setenv("BITACORA_LLM_API_KEY", "shared-key")
	resolved, err := ResolveConfig(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "nope.yaml"),
	})
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	k := resolved.APIKeyForProvider("compatible/whatever")
	if k.Value != "shared-key" {
		t.Fatalf("expected default key fallback, got %q", k.Value)
	}
}
