// Command server is the collaboration core's process entrypoint:
// it wires the registry, the MongoDB-backed store, the shutdown
// controller, and the WebSocket transport together, following the
// teacher's crdtserver Config+flag+signal.Notify+http.Server.Shutdown
// idiom (crdtserver/main.go's Server.Start/Close).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/config"
	"github.com/taskgraph/collabcore/internal/corerr"
	"github.com/taskgraph/collabcore/internal/metrics"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/pipeline"
	"github.com/taskgraph/collabcore/internal/registry"
	"github.com/taskgraph/collabcore/internal/room"
	"github.com/taskgraph/collabcore/internal/session"
	"github.com/taskgraph/collabcore/internal/shutdown"
	"github.com/taskgraph/collabcore/internal/store/mongostore"
	"github.com/taskgraph/collabcore/internal/transport"
)

func main() {
	cfg := config.Parse()

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal("connect to mongo", zap.Error(err))
	}
	defer mongoClient.Disconnect(context.Background())

	st, err := mongostore.New(ctx, mongoClient, cfg.MongoDatabase, logger)
	if err != nil {
		logger.Fatal("construct update log store", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg)

	var bgWG sync.WaitGroup
	roomCfg := room.Config{
		CompactionThreshold: cfg.CompactionThreshold,
		CompactionBatchSize: cfg.CompactionBatchSize,
		MaxSessions:         cfg.MaxSessionsPerRoom,
		Pipeline: pipeline.Config{
			InboundCapacity: cfg.InboundQueueCapacity,
			FanoutCapacity:  cfg.FanoutQueueCapacity,
			FanoutWorkers:   cfg.FanoutWorkers,
		},
	}
	projects := registry.New(ctx, st, roomCfg, &bgWG, logger, rec)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/sync", transport.NewHandler(projects, identifyFromRequest, allowAllVerifier, logger, rec))

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced shutdown", zap.Error(err))
	}

	controller := shutdown.New(cancel, projects, &bgWG, cfg.ShutdownTimeout, logger)
	if err := controller.Stop("server shutting down"); err != nil {
		logger.Warn("shutdown did not fully drain", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(debug bool) *zap.Logger {
	var l *zap.Logger
	var err error
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to construct logger: %v", err)
	}
	return l
}

// identifyFromRequest is the default Identify hook: it reads the
// project id from the project_id query parameter and treats the caller as a
// single shared server-actor principal. A production deployment
// replaces this with one that reads the identity the upstream
// auth/OAuth layer already verified (out of scope for this core).
func identifyFromRequest(r *http.Request) (session.Principal, model.ProjectID, error) {
	projectID := model.ProjectID(r.URL.Query().Get("project_id"))
	return session.Principal{}, projectID, nil
}

// allowAllVerifier is the default VerifyAccess hook: it grants every
// connection. Replace with a call into the plugin/auth layer that
// owns real project membership.
func allowAllVerifier(context.Context, session.Principal, model.ProjectID) (corerr.AuthDecision, error) {
	return corerr.AuthOK, nil
}
