package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config holds the deployment configuration for the vault service and the
// settlement worker, parsed from the environment.
type Config struct {
	Port        string        `env:"PORT"         envDefault:"8080"`
	JWTSecret   string        `env:"JWT_SECRET,required"`
	DatabaseURL string        `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/flowvault?sslmode=disable"`
	NATSURL     string        `env:"NATS_URL"     envDefault:"nats://localhost:4222"`
	RedisURL    string        `env:"REDIS_URL"    envDefault:"localhost:6379"`

	// FeeSinkAccount is the ledger account that receives the protocol fee.
	// Injected, never derived: the deployment decides where fees go.
	FeeSinkAccount uuid.UUID `env:"FEE_SINK_ACCOUNT"`

	// SettlePolicy selects how settle_threshold is enforced: "none"
	// (default) or "min-balance".
	SettlePolicy string `env:"SETTLE_POLICY" envDefault:"none"`

	ReadTimeout     time.Duration `env:"READ_TIMEOUT"     envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"    envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	RateLimitMax    int           `env:"RATE_LIMIT_MAX"    envDefault:"120"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	// Settlement worker
	EtcdEndpoints []string      `env:"ETCD_ENDPOINTS" envSeparator:"," envDefault:"localhost:2379"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepLimit    int           `env:"SWEEP_LIMIT"    envDefault:"100"`

	// SettleAuthority is the identity the worker settles as. It must match
	// the protocol config authority.
	SettleAuthority uuid.UUID `env:"SETTLE_AUTHORITY"`

	// Telemetry (optional; empty InfluxURL disables it)
	InfluxURL    string `env:"INFLUX_URL"`
	InfluxToken  string `env:"INFLUX_TOKEN"`
	InfluxOrg    string `env:"INFLUX_ORG"    envDefault:"flowvault"`
	InfluxBucket string `env:"INFLUX_BUCKET" envDefault:"settlements"`

	// Receipt archive (optional; empty MinioEndpoint disables it)
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"receipts"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}
