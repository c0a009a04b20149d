package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8750", cfg.Addr())
	assert.Equal(t, 4000*time.Second, cfg.ReservationTTL)
	assert.Equal(t, 4, cfg.AgentQuota)
	assert.Equal(t, 8, cfg.Parallelism)
	assert.Contains(t, cfg.LedgerPath, "ledger.db")
	assert.Contains(t, cfg.SnippetsDir, "snippets")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "slotgrid.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"port: 9000\nrun_timeout: 5s\ndata_dir: "+dir+"\n"), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.RunTimeout)
	assert.Equal(t, filepath.Join(dir, "ledger.db"), cfg.LedgerPath)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SLOTGRID_PORT", "9100")
	t.Setenv("SLOTGRID_AGENT_QUOTA", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2, cfg.AgentQuota)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("SLOTGRID_PORT", "99999")
	_, err := Load("")
	assert.Error(t, err)
}
