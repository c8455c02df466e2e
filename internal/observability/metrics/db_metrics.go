package metrics

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const dbGaugeTimeout = 2 * time.Second

// dbGauges are sampled from Postgres on every scrape.
var dbGauges = []struct {
	name  string
	help  string
	query string
}{
	{"pivots", "Known pivots", `SELECT COUNT(*) FROM pivots`},
	{"active_sessions", "Active monitoring sessions", `SELECT COUNT(*) FROM monitoring_sessions WHERE is_active`},
	{"probe_alerts", "Snapshots of active sessions with a probe alert", `
SELECT COUNT(*) FROM pivot_snapshots s
JOIN monitoring_sessions m ON m.session_id = s.session_id
WHERE m.is_active AND s.probe_alert`},
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	for _, gauge := range dbGauges {
		query := gauge.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + gauge.name, Help: gauge.help},
			func() float64 { return queryCount(db, logger, query) },
		))
	}
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbGaugeTimeout)
	defer cancel()
	var count int64
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics: gauge query failed: %v", err)
		}
		return 0
	}
	return float64(max(count, 0))
}
