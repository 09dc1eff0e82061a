// Command tabletd boots a single tablet replica: it assembles the
// storage, intent, and transaction-substrate components (C1-C9) from
// command-line configuration and runs until signaled to stop. Wiring
// this process into an RPC server and a real consensus implementation
// is network protocol framing, explicitly out of this module's scope
// (spec.md §1 Non-goals); this entrypoint exists to prove the
// components compose, the way the teacher's cmd/ binaries assemble
// their own components before handing off to a server loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/riftdb/tablet/conflict"
	"github.com/riftdb/tablet/config"
	"github.com/riftdb/tablet/hybrid"
	"github.com/riftdb/tablet/intent"
	"github.com/riftdb/tablet/lockmgr"
	"github.com/riftdb/tablet/oplog"
	"github.com/riftdb/tablet/ops"
	"github.com/riftdb/tablet/storage"
	"github.com/riftdb/tablet/tablet"
	"github.com/riftdb/tablet/txnparticipant"
)

// options is this process's command-line and environment configuration.
var options = new(struct {
	TabletID string `long:"tablet-id" env:"TABLET_ID" required:"true" description:"this tablet's unique id"`
	DataDir  string `long:"data-dir" env:"DATA_DIR" required:"true" description:"directory holding the committed and intent RocksDB instances"`

	MaxClockSkew      time.Duration `long:"max-clock-skew" env:"MAX_CLOCK_SKEW" default:"500ms" description:"hybrid clock confidence window"`
	HeartbeatInterval time.Duration `long:"heartbeat-interval" env:"HEARTBEAT_INTERVAL" default:"500ms" description:"transaction client heartbeat period"`
	HeartbeatTimeout  time.Duration `long:"heartbeat-timeout" env:"HEARTBEAT_TIMEOUT" default:"1s" description:"status-tablet heartbeat expiry"`

	StatusCacheSize int `long:"status-cache-size" env:"STATUS_CACHE_SIZE" default:"4096" description:"remote transaction-status LRU cache entries"`

	IntentsFlushMaxDelay time.Duration `long:"intents-flush-max-delay" env:"INTENTS_FLUSH_MAX_DELAY" default:"2s" description:"max time the intent store may withhold a flush waiting on the committed store's flushed frontier"`
	MaintenanceInterval  time.Duration `long:"maintenance-interval" env:"MAINTENANCE_INTERVAL" default:"1s" description:"period between C3 flush-ordering and SST cleanup passes"`

	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"logrus level: debug, info, warn, error"`
})

func main() {
	var parser = flags.NewParser(options, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	var level, err = log.ParseLevel(options.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid --log-level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	var logger = ops.StdLogger().WithFields(ops.TabletFields(options.TabletID, 0))

	var cfg = config.Default()
	cfg.MaxClockSkew = options.MaxClockSkew
	cfg.HeartbeatInterval = options.HeartbeatInterval
	cfg.HeartbeatTimeout = options.HeartbeatTimeout
	cfg.IntentsFlushMaxDelay = options.IntentsFlushMaxDelay

	var t, closeFn, buildErr = buildTablet(cfg, logger)
	if buildErr != nil {
		log.WithError(buildErr).Fatal("failed to build tablet")
	}
	defer closeFn()

	logger.Log(log.InfoLevel, log.Fields{"data_dir": options.DataDir}, "tablet ready")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var runtimeConfig = config.NewRuntimeConfig(cfg)
	go t.RunMaintenance(ctx, runtimeConfig, options.MaintenanceInterval)

	<-ctx.Done()

	logger.Log(log.InfoLevel, nil, "shutting down")
}

// buildTablet wires components C1-C9 into a runnable tablet.Tablet,
// following the composition order of spec.md §2's write path.
func buildTablet(cfg config.Config, logger ops.Logger) (*tablet.Tablet, func(), error) {
	var committedDir = options.DataDir + "/committed"
	var intentsDir = options.DataDir + "/intents"

	var committed, err = storage.Open(committedDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening committed store: %w", err)
	}
	intentsKV, err := storage.Open(intentsDir)
	if err != nil {
		committed.Close()
		return nil, nil, fmt.Errorf("opening intent store: %w", err)
	}

	var intents = &intent.Store{KV: intentsKV}
	var clock = hybrid.NewClock(cfg.MaxClockSkew)
	var mvcc = hybrid.NewMVCCTracker()
	// Single-node stand-in for a confirmed leader lease; a real
	// deployment updates this from consensus leadership callbacks.
	mvcc.UpdateLease(hybrid.Max)

	var participant = txnparticipant.New(intents, committed, noStatusClient{}, options.StatusCacheSize)
	var resolver = &conflict.Resolver{
		Locks:    lockmgr.NewManager(),
		Intents:  intents,
		Statuses: participant,
	}

	var t = &tablet.Tablet{
		ID:          options.TabletID,
		Clock:       clock,
		MVCC:        mvcc,
		Committed:   committed,
		Intents:     intents,
		Participant: participant,
		Conflict:    resolver,
		Log:         oplog.NewMemLog(1),
		Logger:      logger,
	}

	var closeFn = func() {
		intentsKV.Close()
		committed.Close()
	}
	return t, closeFn, nil
}

// noStatusClient is used when no status-tablet RPC transport is wired
// up (network protocol framing is out of this module's scope); every
// remote transaction looks PENDING until a real StatusClient replaces
// this.
type noStatusClient struct{}

func (noStatusClient) RequestStatusAt(ctx context.Context, txn intent.TxnID, readHT, globalLimit hybrid.Time) (conflict.Status, hybrid.Time, error) {
	return conflict.Pending, hybrid.Min, nil
}
