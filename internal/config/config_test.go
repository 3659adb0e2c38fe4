package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Host)
	require.Equal(t, 1122, cfg.Port)
	require.Equal(t, 30*time.Minute, cfg.SnapshotInterval)
	require.Equal(t, "./runs", cfg.RunDir)
	require.Equal(t, []string{"*"}, cfg.AllowOrigin)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{"--host", "0.0.0.0", "--port", "9000", "--debug"})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 9000, cfg.Port)
	require.True(t, cfg.Debug)
}

func TestLoadEnvOverridesDefaultsButNotFlags(t *testing.T) {
	t.Setenv("SAPPORO_HOST", "10.0.0.1")
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", cfg.Host)

	cfg, err = Load([]string{"--host", "192.168.1.1"})
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1", cfg.Host)
}

func TestLoadReadsAuthConfigYAML(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "auth-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
auth_enabled: true
idp_provider: sapporo
sapporo_auth_config:
  secret_key: "0123456789abcdef0123456789abcdef"
  users:
    - username: alice
      password_hash: "$argon2id$..."
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load([]string{"--auth-config", f.Name()})
	require.NoError(t, err)
	require.True(t, cfg.Auth.AuthEnabled)
	require.Len(t, cfg.Auth.SapporoAuthConfig.Users, 1)
	require.Equal(t, "alice", cfg.Auth.SapporoAuthConfig.Users[0].Username)
}

func TestAllowOriginSplitsCSV(t *testing.T) {
	cfg, err := Load([]string{"--allow-origin", "https://a.example,https://b.example"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowOrigin)
}

func TestLoadReadsServiceInfoOverlay(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "service-info-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
registered_workflows:
  - workflow_name: trimming
    workflow_url: https://example.org/trimming.cwl
    workflow_type: CWL
    workflow_type_version: v1.0
    workflow_engine: cwltool
    workflow_engine_parameters:
      "--outdir": "/tmp/out"
supported_type_versions:
  CWL: ["v1.0", "v1.2"]
default_workflow_engine_parameters:
  cwltool:
    "--parallel": "true"
require_type_version: true
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load([]string{"--service-info", f.Name()})
	require.NoError(t, err)
	require.True(t, cfg.RequireTypeVersion)
	require.Len(t, cfg.RegisteredWorkflows, 1)
	require.Equal(t, "trimming", cfg.RegisteredWorkflows[0].WorkflowName)
	require.Equal(t, []string{"v1.0", "v1.2"}, cfg.SupportedTypeVersions["CWL"])
	require.Equal(t, "true", cfg.DefaultEngineParameters["cwltool"]["--parallel"])
}
