package config

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
		assert.Equal(t, "none", cfg.SettlePolicy)
		assert.Equal(t, 120, cfg.RateLimitMax)
		assert.Equal(t, 30*time.Second, cfg.SweepInterval)
		assert.Equal(t, []string{"localhost:2379"}, cfg.EtcdEndpoints)
		assert.Equal(t, uuid.Nil, cfg.FeeSinkAccount)
	})

	t.Run("should fail without a JWT secret", func(t *testing.T) {
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("should parse overrides", func(t *testing.T) {
		sink := uuid.New()
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("PORT", "9090")
		t.Setenv("SETTLE_POLICY", "min-balance")
		t.Setenv("FEE_SINK_ACCOUNT", sink.String())
		t.Setenv("ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")
		t.Setenv("SWEEP_INTERVAL", "5s")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Port)
		assert.Equal(t, "min-balance", cfg.SettlePolicy)
		assert.Equal(t, sink, cfg.FeeSinkAccount)
		assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.EtcdEndpoints)
		assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	})
}
