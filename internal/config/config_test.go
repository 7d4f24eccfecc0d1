package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Dispatch/internal/breaker"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/task"
)

const minimal = `
providers:
  - type: ollama
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10, cfg.Runtime.MaxConcurrentTasks)
	assert.Equal(t, 30*time.Second, cfg.Runtime.GlobalTimeout.Duration())
	assert.Equal(t, "priority", cfg.Dispatch.Strategy)
	assert.Equal(t, "memory", cfg.Storage.Audit.Driver)
	assert.Equal(t, "openmcp_dispatch", cfg.Metrics.Namespace)

	require.Len(t, cfg.Providers, 1)
	p := cfg.Providers[0]
	assert.Equal(t, "ollama", p.Name)
	assert.Equal(t, task.DefaultPriority, p.Priority)
	assert.Equal(t, 1, p.Weight)
	assert.Equal(t, []task.Kind{task.KindGeneric}, p.TaskKinds())

	assert.Equal(t, breaker.DefaultConfig(), cfg.Breaker.Resolve())
}

func TestDurationAcceptsStringsAndMilliseconds(t *testing.T) {
	cfg, err := Parse([]byte(`
runtime:
  global_timeout: 1500ms
  health_timeout: 250
breaker:
  reset_timeout: 2m
providers:
  - type: "null"
`))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Runtime.GlobalTimeout.Duration())
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.HealthTimeout.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Breaker.Resolve().ResetTimeout)

	_, err = Parse([]byte("runtime:\n  global_timeout: soon\nproviders:\n  - type: ollama\n"))
	assert.Error(t, err)
}

func TestBreakerPresetsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
breaker:
  preset: aggressive
  failure_threshold: 4
providers:
  - name: claude
    type: anthropic
    api_key: sk-test
    breaker:
      preset: conservative
  - name: local
    type: ollama
    breaker:
      timeout: 5s
  - name: fallback
    type: "null"
`))
	require.NoError(t, err)

	global := cfg.Breaker.Resolve()
	assert.Equal(t, 4, global.FailureThreshold)
	assert.Equal(t, breaker.AggressiveConfig().ResetTimeout, global.ResetTimeout)

	overrides := cfg.BreakerOverrides()
	require.Len(t, overrides, 2)
	assert.Equal(t, breaker.ConservativeConfig(), overrides["claude"])
	assert.Equal(t, 5*time.Second, overrides["local"].Timeout)
	assert.Zero(t, overrides["local"].FailureThreshold)
}

func TestDefaultBreakerUsesGlobalTimeout(t *testing.T) {
	cfg, err := Parse([]byte(`
runtime:
  global_timeout: 3s
breaker:
  preset: aggressive
providers:
  - type: "null"
`))
	require.NoError(t, err)
	global := cfg.DefaultBreaker()
	assert.Equal(t, 3*time.Second, global.Timeout)
	assert.Equal(t, breaker.AggressiveConfig().FailureThreshold, global.FailureThreshold)

	cfg.Breaker.Timeout = Duration(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, cfg.DefaultBreaker().Timeout)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown strategy": "dispatch:\n  strategy: fastest\nproviders:\n  - type: ollama\n",
		"unknown type":     "providers:\n  - type: bard\n",
		"duplicate name":   "providers:\n  - name: a\n    type: ollama\n  - name: a\n    type: \"null\"\n",
		"missing api key":  "providers:\n  - type: openai\n",
		"no providers":     "server:\n  address: \":9000\"\n",
		"unknown kind":     "providers:\n  - type: ollama\n    kinds: [poetry]\n",
		"mysql dsn":        "storage:\n  audit:\n    driver: mysql\nproviders:\n  - type: ollama\n",
		"unknown field":    "providers:\n  - type: ollama\n    colour: blue\n",
		"unknown preset":   "breaker:\n  preset: reckless\nproviders:\n  - type: ollama\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			require.Error(t, err)
			assert.True(t, xerrors.Is(err, xerrors.CodeInvalidArgument))
		})
	}
}

func TestAPIKeyAndTokensFromEnv(t *testing.T) {
	t.Setenv("TEST_DISPATCH_KEY", "sk-from-env")
	t.Setenv("TEST_DISPATCH_TOKENS", "alpha, beta,,")

	cfg, err := Parse([]byte(`
server:
  auth_tokens: [inline]
  auth_tokens_env: TEST_DISPATCH_TOKENS
providers:
  - type: openai
    api_key_env: TEST_DISPATCH_KEY
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
	assert.Equal(t, []string{"inline", "alpha", "beta"}, cfg.Server.AuthTokens)
}

func TestLoadResolvesPythonWorkingDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: local
    type: python_bridge
    script_path: scripts/infer.py
    working_dir: workers
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	p := cfg.Providers[0]
	assert.Equal(t, filepath.Join(dir, "workers"), p.WorkingDir)
	assert.Equal(t, "python3", p.PythonExecutable)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "explicit.yaml", ResolvePath("explicit.yaml"))
	t.Setenv(EnvConfigPath, "/etc/dispatch.yaml")
	assert.Equal(t, "/etc/dispatch.yaml", ResolvePath(""))
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
}

func TestShippedConfigIsValid(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load(filepath.Join("..", "..", "configs", "dispatch.yaml"))
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 3)
	assert.Equal(t, "null", cfg.Providers[2].Name)
}
