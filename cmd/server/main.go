// server is the live semantic indexing host: it boots the Catalog Store
// and Vector Store Gateway, resolves incoming editor sessions to project
// roots, and drives the Indexer and Reconciler from a stream of
// newline-delimited event envelopes on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"movesia-index/internal/config"
	"movesia-index/internal/logging"
	"movesia-index/internal/orchestrator"
	"movesia-index/pkg/types"
)

func main() {
	var (
		addr = flag.String("addr", "", "health/metrics listen address (overrides config)")
		wipe = flag.Bool("wipe", false, "wipe all indexed state (catalog + vector collection) and exit")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *addr != "" {
		host, port, parseErr := splitAddr(*addr)
		if parseErr == nil {
			cfg.Server.Host = host
			cfg.Server.Port = port
		}
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))

	orch := orchestrator.New(cfg, logger)
	defer orch.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := orch.StartOnce(ctx); err != nil {
		log.Fatalf("failed to start indexing host: %v", err)
	}

	if *wipe {
		runWipe(ctx, orch)
		return
	}

	registry := prometheus.NewRegistry()
	registerMetrics(registry, orch)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(orch))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("indexing host listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err.Error())
		}
	}()

	go consumeEnvelopes(ctx, orch, logger)

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err.Error())
	}
}

func runWipe(ctx context.Context, orch *orchestrator.Orchestrator) {
	result, err := orch.Maintenance.WipeAll(ctx)
	if err != nil {
		log.Fatalf("wipe failed: %v", err)
	}
	fmt.Printf("wipe succeeded: %s\n", result.Message)
}

// consumeEnvelopes reads one JSON event envelope per line from stdin —
// the transport that frames and authenticates this stream lives outside
// the core — resolves its session to a project root, and dispatches it
// to the Indexer or the Reconciler depending on its type.
func consumeEnvelopes(ctx context.Context, orch *orchestrator.Orchestrator, logger logging.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var evt types.EventEnvelope
		if err := json.Unmarshal(line, &evt); err != nil {
			logger.Warn("dropping malformed envelope line", "error", err.Error())
			continue
		}
		if err := evt.Validate(); err != nil {
			logger.Warn("dropping invalid envelope", "error", err.Error())
			continue
		}

		resolved, pending, err := orch.Resolver.Ingest(evt.Session, evt)
		if err != nil {
			logger.Warn("session resolution error", "session", evt.Session, "error", err.Error())
			continue
		}
		if pending {
			continue
		}

		if resolved.JustResolved {
			if err := orch.VerifyProjectSnapshot(ctx, resolved.Root); err != nil {
				logger.Warn("verify project snapshot failed", "root", resolved.Root, "error", err.Error())
			}
		}

		for _, drained := range resolved.Events {
			dispatchEvent(ctx, orch, logger, resolved.Root, drained)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin scan error", "error", err.Error())
	}
}

// dispatchEvent routes a resolved envelope to the Reconciler for a
// manifest stream, or to the Indexer for everything else.
func dispatchEvent(ctx context.Context, orch *orchestrator.Orchestrator, logger logging.Logger, root string, evt types.EventEnvelope) {
	switch evt.Type {
	case "manifest_begin":
		var body types.ManifestBeginBody
		if err := json.Unmarshal(evt.Body, &body); err != nil {
			logger.Warn("dropping malformed manifest_begin", "error", err.Error())
			return
		}
		orch.Reconciler.BeginManifest(evt.Session, body.Total)
	case "manifest_batch":
		var body types.ManifestBatchBody
		if err := json.Unmarshal(evt.Body, &body); err != nil {
			logger.Warn("dropping malformed manifest_batch", "error", err.Error())
			return
		}
		orch.Reconciler.AddBatch(evt.Session, body.Items)
	case "manifest_end":
		if _, err := orch.Reconciler.EndManifest(ctx, evt.Session, root, evt.TS); err != nil {
			logger.Warn("manifest reconciliation failed", "session", evt.Session, "error", err.Error())
		}
	default:
		if err := <-orch.Indexer.HandleEvent(ctx, root, evt); err != nil {
			logger.Warn("event handling failed", "type", evt.Type, "error", err.Error())
		}
	}
}

func healthHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        "ok",
			"vectors_ready": orch.VectorsReady(),
		})
	}
}

func registerMetrics(registry *prometheus.Registry, orch *orchestrator.Orchestrator) {
	published := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "movesia_progress_published_total",
		Help: "Total progress statuses published to the bus.",
	}, func() float64 {
		p, _ := orch.Bus.Stats()
		return float64(p)
	})
	dropped := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "movesia_progress_dropped_total",
		Help: "Total progress statuses dropped due to a full subscriber buffer.",
	}, func() float64 {
		_, d := orch.Bus.Stats()
		return float64(d)
	})
	subscribers := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "movesia_progress_subscribers",
		Help: "Current number of progress bus subscribers.",
	}, func() float64 {
		return float64(orch.Bus.SubscriberCount())
	})
	paused := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "movesia_indexer_paused",
		Help: "1 if the Indexer is currently paused.",
	}, func() float64 {
		if orch.Indexer.IsPaused() {
			return 1
		}
		return 0
	})
	registry.MustRegister(published, dropped, subscribers, paused)
}

func splitAddr(addr string) (host string, port int, err error) {
	h, portStr, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return "", 0, splitErr
	}
	var p int
	if _, scanErr := fmt.Sscanf(portStr, "%d", &p); scanErr != nil {
		return "", 0, scanErr
	}
	return h, p, nil
}
