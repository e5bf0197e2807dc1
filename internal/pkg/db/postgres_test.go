package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dice-arena-bot/internal/config"
)

func TestPoolConfig(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		min, max int32
	}{
		{"typical", 20, 5, 20},
		{"small", 2, 1, 2},
		{"unset", 0, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := PoolConfig(&config.DatabaseConfig{
				Host: "localhost", Port: 5432, User: "bot", Password: "pw", Name: "arena",
				PoolSize: tt.size,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.min, pc.MinConns)
			assert.Equal(t, tt.max, pc.MaxConns)
			assert.Equal(t, "arena", pc.ConnConfig.Database)
		})
	}
}

func TestPoolConfigTimeouts(t *testing.T) {
	pc, err := PoolConfig(&config.DatabaseConfig{Host: "localhost", Port: 5432, User: "bot", Password: "pw", Name: "arena", PoolSize: 4})
	require.NoError(t, err)
	assert.Equal(t, defaultConnectTimeout, pc.ConnConfig.ConnectTimeout)
	assert.Equal(t, defaultMaxLifetime, pc.MaxConnLifetime)
	assert.Equal(t, defaultMaxIdle, pc.MaxConnIdleTime)

	pc, err = PoolConfig(&config.DatabaseConfig{
		Host: "localhost", Port: 5432, User: "bot", Password: "pw", Name: "arena", PoolSize: 4,
		ConnectTimeout: 3 * time.Second, MaxConnIdleTime: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, pc.ConnConfig.ConnectTimeout)
	assert.Equal(t, time.Minute, pc.MaxConnIdleTime)
}
