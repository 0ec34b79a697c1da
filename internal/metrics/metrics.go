// Package metrics exposes Prometheus counters for the engine's externally
// observable activity.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimic_messages_stored_total",
		Help: "Messages persisted to the store, including redacted ones.",
	})
	RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimic_replies_sent_total",
		Help: "Replies actually sent after gating, probability and delay.",
	})
	RepliesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimic_replies_cancelled_total",
		Help: "Pending delayed replies cancelled by newer channel activity.",
	})
	ReactionsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimic_reactions_added_total",
		Help: "Emoji reactions added to messages.",
	})
	IndexedRevisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimic_indexed_revisions_total",
		Help: "Message revisions committed to the ANN index.",
	})
	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mimic_index_vectors",
		Help: "Vectors currently held in the ANN index.",
	})
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mimic_search_duration_seconds",
		Help:    "Wall time of one ANN search including embedding.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		return err
	}
}
