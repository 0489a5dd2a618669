package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("COST_BASE_CURRENCY", " eur ")
	t.Setenv("COST_SCALE", "6")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "2")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "EUR", cfg.CostBaseCurrency)
	require.Equal(t, int32(6), cfg.CostScale)
	require.Equal(t, 2*time.Minute, cfg.PostingClaimLease)

	require.Equal(t, "redis:6380", cfg.Redis().Addr)
	require.Equal(t, 2, cfg.QueueRedis().DB)
	require.Equal(t, "costing-worker", cfg.Postgres("worker").ApplicationName)
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			CostBaseCurrency:  "usd",
			CostScale:         4,
			PostingClaimLease: time.Minute,
			SaleorTimeout:     10 * time.Second,
			PGMaxConns:        10,
			PGMinConns:        1,
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "USD", cfg.CostBaseCurrency)

	cases := map[string]func(*Config){
		"scale":    func(c *Config) { c.CostScale = 40 },
		"currency": func(c *Config) { c.CostBaseCurrency = "dollars" },
		"lease":    func(c *Config) { c.PostingClaimLease = c.SaleorTimeout },
		"retry":    func(c *Config) { c.PostingMaxRetry = -1 },
		"pool":     func(c *Config) { c.PGMinConns = 20 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}
