package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresAtLeastOneProvider(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("MISTRAL_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaultsAndOrdersProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Tunables.L1Window)
	require.Equal(t, 0.6, cfg.Tunables.MinCIAR)
	require.Len(t, cfg.Providers, 2)
	// Anthropic registered before OpenAI; priority reflects that ordering.
	require.Equal(t, "anthropic", cfg.Providers[0].Name)
	require.Less(t, cfg.Providers[0].Priority, cfg.Providers[1].Priority)
}

func TestLoadOverlaysYAMLFileOverEnvDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "cortexmem.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_addr: \":9999\"\nagent_prefix: \"fromfile\"\n"), 0o600))
	t.Setenv("CORTEXMEM_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
	require.Equal(t, "fromfile", cfg.AgentPrefix)
}

func TestLoadRejectsOutOfRangeCIAR(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MAS_MIN_CIAR", "1.5")

	_, err := Load()
	require.Error(t, err)
}
