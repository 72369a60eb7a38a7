package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/modmgmt/internal/config"
)

func testDatabaseConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:            "db.internal",
		Port:            5433,
		Name:            "modmgmt",
		User:            "modmgmt",
		Password:        "secret",
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 10 * time.Minute,
	}
}

func TestPoolConfig(t *testing.T) {
	pc, err := poolConfig(testDatabaseConfig())
	require.NoError(t, err)

	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
	assert.Equal(t, "modmgmt", pc.ConnConfig.Database)
	assert.Equal(t, int32(4), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, 10*time.Minute, pc.MaxConnLifetime)
}

func TestPoolConfig_Bounds(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.MaxOpenConns = 2
	cfg.MaxIdleConns = 8
	pc, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), pc.MinConns, "idle connections never exceed the pool size")

	cfg.MaxIdleConns = 0
	pc, err = poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(1), pc.MinConns, "one connection stays open")
}

func TestPoolConfig_InvalidSSLMode(t *testing.T) {
	cfg := testDatabaseConfig()
	cfg.SSLMode = "sometimes"
	_, err := poolConfig(cfg)
	assert.Error(t, err)
}
