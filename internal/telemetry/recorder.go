package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/flowvault/internal/vault"
)

// InfluxRecorder writes settlement and withdrawal measurement points to
// InfluxDB. Writes are non-blocking and best-effort.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewInfluxRecorder connects to InfluxDB.
func NewInfluxRecorder(url, token, org, bucket string) *InfluxRecorder {
	client := influxdb2.NewClient(url, token)
	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// Settlement records a successful batch settlement.
func (r *InfluxRecorder) Settlement(s *vault.Settlement, took time.Duration) {
	p := influxdb2.NewPoint("settlement",
		map[string]string{
			"owner":    s.Owner.String(),
			"provider": s.Provider.String(),
		},
		map[string]interface{}{
			"amount":      s.Amount,
			"fee":         s.Fee,
			"payout":      s.Payout,
			"nonce":       int64(s.Nonce),
			"balance":     s.Balance,
			"duration_ms": took.Milliseconds(),
		},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// Withdrawal records a successful withdrawal.
func (r *InfluxRecorder) Withdrawal(w *vault.Withdrawal, took time.Duration) {
	p := influxdb2.NewPoint("withdrawal",
		map[string]string{
			"owner": w.Owner.String(),
		},
		map[string]interface{}{
			"amount":      w.Amount,
			"duration_ms": took.Milliseconds(),
		},
		time.Now(),
	)
	r.write.WritePoint(p)
}

// Close flushes pending writes and closes the client.
func (r *InfluxRecorder) Close() {
	r.write.Flush()
	r.client.Close()
}
