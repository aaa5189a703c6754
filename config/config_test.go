package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "CLICKHOUSE_HOST", "SESSION_IDLE_TIMEOUT", "ROLLUP_SCHEDULE", "WAREHOUSE_BATCH_SIZE", "ADMIN_EMAILS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	require.Equal(t, "15 0 * * *", cfg.RollupSchedule)
	require.Equal(t, 500, cfg.WarehouseBatchSize)
	require.False(t, cfg.WarehouseEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "45m")
	t.Setenv("ADMIN_EMAILS", "host@example.com, Planner@example.com ,")
	t.Setenv("CLICKHOUSE_HOST", "ch")
	t.Setenv("CLICKHOUSE_DB_NAME", "telemetry")
	t.Setenv("CLICKHOUSE_NATIVE_PORT", "9440")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 45*time.Minute, cfg.SessionIdleTimeout)
	require.True(t, cfg.IsAdminEmail("planner@example.com"))
	require.False(t, cfg.IsAdminEmail("guest@example.com"))
	require.True(t, cfg.WarehouseEnabled())
	require.Equal(t, 9440, cfg.ClickHousePort)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"SESSION_IDLE_TIMEOUT": "soon",
		"RECONCILE_INTERVAL":   "-1m",
		"ROLLUP_SCHEDULE":      "every day",
		"WAREHOUSE_BATCH_SIZE": "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
