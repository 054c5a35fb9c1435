package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	viper.Reset()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("AUTH_JWT_SECRET", "s3cr3t")
	t.Setenv("MARKETPLACE_BASE_URL", "https://market.example")
	t.Setenv("RENTAL_SWEEP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.HTTPPort)
	assert.Equal(t, 1000, cfg.Rental.ReplaceMaxDelta)
	assert.Equal(t, 30*time.Second, cfg.Rental.SweepInterval)
	assert.Equal(t, 60*time.Second, cfg.Workers.ReconcileInterval)
	assert.Equal(t, 30*time.Second, cfg.Workers.RestartBackoff)
	assert.Empty(t, cfg.Database.Driver)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		var c Config
		c.Server.Address, c.Server.HTTPPort = "0.0.0.0", "8080"
		c.Auth.JWTSecret = "x"
		c.Rental.ReplaceMaxDelta = 1000
		c.Rental.SweepInterval = time.Minute
		c.Workers.ReconcileInterval = time.Minute
		c.Workers.StopTimeout = time.Second
		c.Workers.RestartBackoff = time.Second
		c.Workers.PollInterval = time.Second
		c.Workers.CallTimeout = time.Second
		return &c
	}
	require.NoError(t, validate(valid()))

	c := valid()
	c.Auth.JWTSecret = "CHANGE_ME"
	assert.Error(t, validate(c))

	c = valid()
	c.Workers.StopTimeout = 0
	assert.ErrorContains(t, validate(c), "workers.stop_timeout")

	c = valid()
	c.Database.Driver = "postgres"
	assert.ErrorContains(t, validate(c), "database.dsn")

	c = valid()
	c.Workers.Enabled = true
	assert.ErrorContains(t, validate(c), "marketplace.base_url")
}
