// Package config is the collaboration core's Config (spec.md §6),
// populated from command-line flags the way the teacher's crdtserver
// package does in its main(): flag.String/Int/Duration into a plain
// struct, parsed once at process start.
package config

import (
	"flag"
	"time"
)

// Config holds every knob the collaboration core exposes.
type Config struct {
	ListenAddr string

	MongoURI      string
	MongoDatabase string

	SessionMaxLifetime    time.Duration
	SessionLifetimeJitter time.Duration

	CompactionThreshold int
	CompactionBatchSize int

	ShutdownTimeout time.Duration

	MaxSessionsPerRoom int

	InboundQueueCapacity int
	FanoutQueueCapacity  int
	FanoutWorkers        int

	Debug bool
}

// Parse reads Config from the command line, following the
// crdtserver.main pattern of one flag per field parsed into a struct
// literal.
func Parse() Config {
	listenAddr := flag.String("listen", ":8080", "HTTP/WebSocket listen address")
	mongoURI := flag.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	mongoDatabase := flag.String("mongo-database", "collabcore", "MongoDB database name")
	sessionMaxLifetime := flag.Duration("session-max-lifetime", 0, "session lifetime bound; stored in Config only, no component closes sessions by age")
	sessionLifetimeJitter := flag.Duration("session-lifetime-jitter", time.Minute, "jitter for session-max-lifetime; stored in Config only, not applied anywhere")
	compactionThreshold := flag.Int("compaction-threshold", 10, "updates appended since the last compaction before one is triggered")
	compactionBatchSize := flag.Int("compaction-batch-size", 100, "maximum records merged per compaction round")
	shutdownTimeout := flag.Duration("shutdown-timeout", 60*time.Second, "bound on draining background work during shutdown")
	maxSessionsPerRoom := flag.Int("max-sessions-per-room", 0, "reject new sessions once a room holds this many (0 = unlimited)")
	inboundQueueCapacity := flag.Int("inbound-queue-capacity", 1, "stage A bounded channel capacity")
	fanoutQueueCapacity := flag.Int("fanout-queue-capacity", 50, "stage B bounded channel capacity")
	fanoutWorkers := flag.Int("fanout-workers", 4, "stage B worker pool size")
	debug := flag.Bool("debug", false, "enable debug-level logging")

	flag.Parse()

	return Config{
		ListenAddr:            *listenAddr,
		MongoURI:              *mongoURI,
		MongoDatabase:         *mongoDatabase,
		SessionMaxLifetime:    *sessionMaxLifetime,
		SessionLifetimeJitter: *sessionLifetimeJitter,
		CompactionThreshold:   *compactionThreshold,
		CompactionBatchSize:   *compactionBatchSize,
		ShutdownTimeout:       *shutdownTimeout,
		MaxSessionsPerRoom:    *maxSessionsPerRoom,
		InboundQueueCapacity:  *inboundQueueCapacity,
		FanoutQueueCapacity:   *fanoutQueueCapacity,
		FanoutWorkers:         *fanoutWorkers,
		Debug:                 *debug,
	}
}
