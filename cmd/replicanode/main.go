// Command replicanode boots one node's partition replicas: it loads the
// node config, opens each configured group's replicated log and
// checkpoint store, replays the log from the latest checkpoint, and
// starts the background GC and metrics-export loops. The request
// transport that would route RW_*/RO_* calls into a Listener is out of
// scope (§1 Non-goals) — this binary wires the storage/replication
// stack up to the point a transport would plug into it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bobboyms/partitiontx/pkg/catalog"
	"github.com/bobboyms/partitiontx/pkg/checkpoint"
	"github.com/bobboyms/partitiontx/pkg/clock"
	"github.com/bobboyms/partitiontx/pkg/config"
	"github.com/bobboyms/partitiontx/pkg/lock"
	"github.com/bobboyms/partitiontx/pkg/metrics"
	"github.com/bobboyms/partitiontx/pkg/mvccstore"
	"github.com/bobboyms/partitiontx/pkg/placement"
	"github.com/bobboyms/partitiontx/pkg/rebalance"
	"github.com/bobboyms/partitiontx/pkg/replica"
	"github.com/bobboyms/partitiontx/pkg/replog"
	"github.com/bobboyms/partitiontx/pkg/rowid"
	"github.com/bobboyms/partitiontx/pkg/schema"
	"github.com/bobboyms/partitiontx/pkg/storageupdate"
	"github.com/bobboyms/partitiontx/pkg/txn"
	"github.com/bobboyms/partitiontx/pkg/wal"
	"github.com/bobboyms/partitiontx/pkg/watermark"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replicanode",
	Short: "replicanode runs a partition replica's storage and replication stack",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "", "path to a YAML node config file (defaults baked in if omitted)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the configured replicas and serve /metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg := config.Default()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}

		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("node_id", cfg.NodeId).Logger()

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		reg := prometheus.NewRegistry()
		metricsReg := metrics.New(reg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var replicas []*nodeReplica
		for _, g := range cfg.Groups {
			r, err := bootstrapReplica(ctx, cfg, g, metricsReg, logger)
			if err != nil {
				return fmt.Errorf("bootstrap group %d/%d: %w", g.TableId, g.PartitionId, err)
			}
			replicas = append(replicas, r)
			go r.gc.RunForever(ctx, time.Second)
			logger.Info().
				Uint32("table_id", g.TableId).
				Uint32("partition_id", g.PartitionId).
				Uint64("resume_lsn", r.resumeLSN).
				Msg("replica bootstrapped")
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)

		for _, r := range replicas {
			if err := r.log.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing replicated log")
			}
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

// nodeReplica bundles one group's bootstrapped components for shutdown.
type nodeReplica struct {
	listener  *replica.Listener
	log       replog.ReplicatedLog
	gc        *watermark.GCDriver
	resumeLSN uint64
}

// bootstrapReplica wires one group's storage stack: opens its
// replicated log, loads the latest checkpoint (if any) into a fresh
// version store, replays the log tail beyond the checkpoint's LSN, and
// constructs the replica listener and GC driver on top. Catalog DDL and
// the rebalance coordination metastore have no real backing service in
// this binary (§1 Non-goals) — both use in-memory fakes, matching what
// the package tests exercise.
func bootstrapReplica(ctx context.Context, cfg config.Config, g config.GroupConfig, metricsReg *metrics.Registry, logger zerolog.Logger) (*nodeReplica, error) {
	group := rowid.TablePartitionId{TableId: g.TableId, PartitionId: g.PartitionId}

	walPath := fmt.Sprintf("%s/group_%d_%d.wal", cfg.DataDir, g.TableId, g.PartitionId)
	log, err := replog.Open(walPath, wal.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("open replicated log: %w", err)
	}

	store := mvccstore.New()
	ckptMgr := checkpoint.NewManager(cfg.DataDir)
	resumeLSN, _, err := ckptMgr.LoadLatest(group, store)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	registry := txn.NewRegistry()
	resolver := txn.NewResolver(registry, nil, 64)
	validator := schema.New(catalog.NewFake())
	handler := storageupdate.New(store, registry, logger)
	handler.BatchSize = cfg.GC.BatchSize

	if err := replayFromCheckpoint(log, resumeLSN, handler); err != nil {
		return nil, fmt.Errorf("replay log: %w", err)
	}

	placementClient := placement.NewClient()
	placementClient.SetPrimaryReplica(group, placement.PrimaryReplicaMeta{
		Group:                      group,
		ConsistentId:               cfg.NodeId,
		EnlistmentConsistencyToken: 1,
		LeaseExpireTime:            clock.Timestamp{Physical: int64(1) << 62},
	})

	locks := lock.NewManager()
	locks.Metrics = metricsReg

	tracker := watermark.NewTracker()
	listener := replica.New(
		group, locks, handler, registry, resolver, validator,
		clock.New(), log, placementClient, tracker, nil, logger, metricsReg,
	)

	gc := watermark.NewGCDriver(store, tracker, cfg.GC.BatchSize, cfg.GC.TokensPerSecond)
	gc.Metrics = metricsReg

	_ = rebalance.New(rebalance.NewFakeMetastore(), noopReconfigurer{}, logger, metricsReg)

	return &nodeReplica{listener: listener, log: log, gc: gc, resumeLSN: resumeLSN}, nil
}

// replayFromCheckpoint replays every log entry beyond resumeLSN into
// handler, applying each command type the same way the replica listener
// would on first receipt. Entries at or below resumeLSN are already
// reflected in the checkpoint that was loaded.
func replayFromCheckpoint(log replog.ReplicatedLog, resumeLSN uint64, handler *storageupdate.Handler) error {
	return log.Replay(func(entry replog.LogEntry) error {
		if entry.LSN <= resumeLSN {
			return nil
		}
		switch entry.Kind {
		case replog.KindUpdate:
			cmd, err := replog.DecodeUpdate(entry.Raw)
			if err != nil {
				return err
			}
			var row *rowid.BinaryRow
			if cmd.Row != nil {
				row = &rowid.BinaryRow{TupleBytes: cmd.Row}
			}
			commitPartition := rowid.TablePartitionId{TableId: cmd.CommitTableId, PartitionId: cmd.CommitPartitionId}
			return handler.HandleUpdate(cmd.RowId, cmd.TxId, commitPartition, row, cmd.TrackIntent, cmd.CommitTs, cmd.LastCommitTs, nil)

		case replog.KindUpdateAll:
			cmd, err := replog.DecodeUpdateAll(entry.Raw)
			if err != nil {
				return err
			}
			rows := make(map[rowid.RowId]*rowid.BinaryRow, len(cmd.RowIds))
			lastCommit := make(map[rowid.RowId]clock.Timestamp, len(cmd.RowIds))
			for i, id := range cmd.RowIds {
				if cmd.Rows[i] != nil {
					rows[id] = &rowid.BinaryRow{TupleBytes: cmd.Rows[i]}
				} else {
					rows[id] = nil
				}
				lastCommit[id] = cmd.LastCommitTs[i]
			}
			commitPartition := rowid.TablePartitionId{TableId: cmd.CommitTableId, PartitionId: cmd.CommitPartitionId}
			return handler.HandleUpdateAll(rows, cmd.TxId, commitPartition, cmd.TrackIntent, cmd.CommitTs, lastCommit, nil)

		case replog.KindFinishTx:
			cmd, err := replog.DecodeFinishTx(entry.Raw)
			if err != nil {
				return err
			}
			handler.HandleTransactionCleanup(cmd.TxId, cmd.Commit, cmd.CommitTs)
			return nil

		case replog.KindTxCleanup:
			cmd, err := replog.DecodeTxCleanup(entry.Raw)
			if err != nil {
				return err
			}
			handler.HandleTransactionCleanup(cmd.TxId, cmd.Commit, cmd.CommitTs)
			return nil

		default:
			// SafeTimeSync/BuildIndex entries carry no storage-side effect
			// to replay; the replica listener re-derives safe-time and
			// index-build scheduling from its own steady-state traffic.
			return nil
		}
	})
}

// noopReconfigurer is the ReconfigurationDriver for a single-node
// deployment: there is no peer set to change.
type noopReconfigurer struct{}

func (noopReconfigurer) IssuePeersChange(ctx context.Context, group rowid.TablePartitionId, targetPeers []string) error {
	return nil
}
