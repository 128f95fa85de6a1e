package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "afo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "nftables", cfg.Backend.Name)
	require.Equal(t, "monitor", cfg.Autonomy.Level)
	require.Equal(t, 24, cfg.Autonomy.MaxCIDR)
	require.Equal(t, 3, cfg.Autonomy.Breaker.Count)
	require.Equal(t, time.Hour, cfg.Autonomy.Breaker.Window.Std())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
autonomy:
  level: cautious
  rate_per_min: 4
  breaker:
    count: 5
    window: 30m
store:
  path: /tmp/afo-test.db
  retain_days: 7
sources:
  nftlog:
    enabled: true
    path: /var/log/kern.log
    parser: netfilter
    budget: 512
feeds:
  abuse:
    url: https://feed.example/v1
    interval: 30m
    age_max: 12h
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "cautious", cfg.Autonomy.Level)
	require.Equal(t, 4, cfg.Autonomy.RatePerMin)
	require.Equal(t, 5, cfg.Autonomy.Breaker.Count)
	require.Equal(t, 30*time.Minute, cfg.Autonomy.Breaker.Window.Std())
	require.Equal(t, "/tmp/afo-test.db", cfg.Store.Path)
	require.Equal(t, 7, cfg.Store.RetainDays)
	require.Equal(t, "netfilter", cfg.Sources["nftlog"].Parser)
	require.Equal(t, 12*time.Hour, cfg.Feeds["abuse"].AgeMax.Std())
	// untouched sections keep their defaults
	require.Equal(t, 500, cfg.Correlator.FloodRate)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
autonomy:
  levle: cautious
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown level", "autonomy:\n  level: yolo\n"},
		{"cidr too broad", "autonomy:\n  max_cidr: 4\n"},
		{"zero breaker", "autonomy:\n  breaker:\n    count: 0\n"},
		{"bad duration", "deploy:\n  probation: fortnight\n"},
		{"bad parser", "sources:\n  x:\n    enabled: true\n    path: /var/log/x\n    parser: syslog-ng\n"},
		{"feed without url", "feeds:\n  bad:\n    interval: 1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AFO_STORE_PATH", "/run/afo/state.db")
	t.Setenv("AFO_AUTONOMY_LEVEL", "aggressive")
	t.Setenv("AFO_PROBE_DISABLED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, "/run/afo/state.db", cfg.Store.Path)
	require.Equal(t, "aggressive", cfg.Autonomy.Level)
	require.True(t, cfg.Deploy.Heartbeat.Disabled)
}
