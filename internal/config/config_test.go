package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "postgres", cfg.DBType)
	assert.Equal(t, 500, cfg.Import.ChunkSize)
	assert.Equal(t, 1, cfg.Import.HeaderRow)
	assert.Equal(t, []string{"name", "code", "category", "sellingPrice", "quantity"}, cfg.Import.RequiredColumns)
	assert.Equal(t, 30*time.Minute, cfg.Import.JobTimeout)
	assert.Equal(t, time.Minute, cfg.Import.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.JobCacheTTL)
	assert.NotEmpty(t, cfg.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("IMPORT_CHUNK_SIZE", "50")
	t.Setenv("IMPORT_ALLOWED_CATEGORIES", " home , garden ,, ")
	t.Setenv("IMPORT_MAX_PRICE", "999.99")
	t.Setenv("IMPORT_JOB_TIMEOUT", "5m")
	t.Setenv("IMPORT_SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://admin.example.com")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, 50, cfg.Import.ChunkSize)
	assert.Equal(t, []string{"home", "garden"}, cfg.Import.AllowedCategories)
	assert.Equal(t, "999.99", cfg.Import.MaxPrice)
	assert.Equal(t, 5*time.Minute, cfg.Import.JobTimeout)
	assert.Equal(t, time.Minute, cfg.Import.SweepInterval)
	assert.Equal(t, []string{"https://admin.example.com"}, cfg.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown db type", func(c *Config) { c.DBType = "mysql" }},
		{"chunk size too large", func(c *Config) { c.Import.ChunkSize = 20000 }},
		{"zero header row", func(c *Config) { c.Import.HeaderRow = 0 }},
		{"no categories", func(c *Config) { c.Import.AllowedCategories = nil }},
		{"max price not numeric", func(c *Config) { c.Import.MaxPrice = "cheap" }},
		{"page size above max", func(c *Config) { c.DefaultPageSize = 200 }},
		{"unknown environment", func(c *Config) { c.Environment = "qa" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
		})
	}
}
