package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ORACLE_TIMEOUT", "")
	t.Setenv("CHART_DAYS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.OracleTimeout)
	assert.Equal(t, []int{1, 3, 7, 14, 30}, cfg.ChartDays)
	assert.Equal(t, 4, cfg.EnrichWorkers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORACLE_TIMEOUT", "2")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("CHART_DAYS", "1, 7,bad,-2")
	t.Setenv("DB_PATH", "/tmp/x.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.OracleTimeout)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, []int{1, 7}, cfg.ChartDays)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
}
