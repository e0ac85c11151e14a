// ============================================================================
// Beaver Engine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a node and talking to its admin API
//
// Command Structure:
//   beaver-engine                  # Root command
//   ├── run                        # Start the node (partitions + transport + admin)
//   ├── submit                     # Submit commands through the admin API
//   │   ├── --file, -f            # JSON array of commands
//   │   └── --partition/--op/...  # or a single command from flags
//   ├── status                     # Render partition status
//   ├── wal dump                   # Print a partition's WAL
//   └── --config, -c               # Config file (default configs/default.yaml)
//
// run Command:
//   1. Load config file
//   2. Start the actor scheduler and every local partition (recovery included)
//   3. Start the gRPC transport server (if node.listen is set)
//   4. Start the admin HTTP server (if enabled)
//   5. Wait for SIGINT/SIGTERM, then close partitions (final snapshot)
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/admin"
	"github.com/ChuLiYu/beaver-engine/internal/clock"
	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/ChuLiYu/beaver-engine/internal/partition"
	"github.com/ChuLiYu/beaver-engine/internal/storage/wal"
	"github.com/ChuLiYu/beaver-engine/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-engine",
		Short: "Beaver Engine: a partitioned, crash-recoverable execution core",
		Long: `Beaver Engine runs partitions of deterministic state machines with:
- cooperative actor scheduling with priority quotas
- WAL + snapshot recovery
- scheduled housekeeping tasks
- at-least-once command distribution between partitions`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Long:  "Start the scheduler, every configured partition, the transport server and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}
}

// node is everything runNode starts.
type node struct {
	sched  *actor.Scheduler
	arena  *partition.Arena
	client *transport.Client
}

func startNode(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := metrics.NewCollectorWith(reg)

	schedCfg, err := cfg.schedulerConfig()
	if err != nil {
		return nil, err
	}
	schedCfg.Metrics = m
	sched, err := actor.NewScheduler(schedCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	n := &node{
		sched:  sched,
		arena:  partition.NewArena(),
		client: transport.NewClient(cfg.Distribution.SendTimeout),
	}
	router := &transport.Router{
		Local:  transport.NewLocal(n.arena),
		Remote: n.client,
		Peers:  cfg.Node.Peers,
	}
	n.arena.SetRemote(router.RemotePartitions())

	for _, id := range cfg.Partitions.IDs {
		pcfg, err := cfg.partitionConfig(id)
		if err != nil {
			n.close(ctx)
			return nil, err
		}
		p, err := partition.New(pcfg, partition.Deps{
			Scheduler: sched,
			Sender:    router,
			Topology:  n.arena,
			Clock:     clock.System{},
			Metrics:   m,
		})
		if err == nil {
			err = n.arena.Add(p)
		}
		if err != nil {
			n.close(ctx)
			return nil, fmt.Errorf("failed to create partition %d: %w", id, err)
		}
	}
	if err := n.arena.StartAll(ctx); err != nil {
		n.close(ctx)
		return nil, err
	}
	return n, nil
}

func (n *node) close(ctx context.Context) error {
	return errors.Join(
		n.arena.CloseAll(ctx),
		n.client.Close(),
		n.sched.Stop(ctx),
	)
}

func runNode(ctx context.Context, cfg *Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	logger := log.With().Str("component", "node").Str("node", cfg.Node.ID).Logger()

	n, err := startNode(ctx, cfg, reg)
	if err != nil {
		return err
	}
	logger.Info().Ints("partitions", cfg.Partitions.IDs).Str("data_dir", cfg.Node.DataDir).Msg("Partitions started")

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Node.Listen != "" {
		lis, err := net.Listen("tcp", cfg.Node.Listen)
		if err != nil {
			n.close(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", cfg.Node.Listen, err)
		}
		srv := transport.NewServer(n.arena)
		g.Go(func() error { return srv.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			srv.Stop()
			return nil
		})
	}

	if cfg.Admin.Enabled {
		if !cfg.Metrics.Enabled {
			gatherer = prometheus.NewRegistry()
		}
		httpSrv := &http.Server{
			Addr:    cfg.Admin.Addr,
			Handler: admin.NewServer(n.arena, gatherer, cfg.Admin.Timeout),
		}
		logger.Info().Str("addr", cfg.Admin.Addr).Msg("Admin server starting")
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	logger.Info().Msg("Shutting down, writing final snapshots")

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.close(closeCtx); err != nil {
		return errors.Join(runErr, err)
	}
	logger.Info().Msg("Node stopped")
	return runErr
}

// ============================================================================
// submit
// ============================================================================

// submission is one entry of a submit file.
type submission struct {
	Partition int `json:"partition"`
	admin.SubmitRequest
}

func buildSubmitCommand() *cobra.Command {
	var (
		file    string
		one     submission
		payload string
		addr    string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit commands to a running node",
		Long:  "Submit one command from flags, or a JSON array of {partition, operation, kind, payload} from --file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = cfg.Admin.Addr
			}
			var subs []submission
			if file != "" {
				var err error
				if subs, err = readSubmissions(file); err != nil {
					return err
				}
			} else {
				if one.Operation == "" {
					return errors.New("operation is required (use --op or --file)")
				}
				if payload != "" {
					one.Payload = json.RawMessage(payload)
				}
				subs = []submission{one}
			}
			client := &http.Client{Timeout: 10 * time.Second}
			return submitCommands(cmd.Context(), client, "http://"+addr, subs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing commands")
	cmd.Flags().IntVarP(&one.Partition, "partition", "p", 1, "target partition")
	cmd.Flags().StringVar(&one.Operation, "op", "", "operation id")
	cmd.Flags().StringVar(&one.Kind, "kind", "command", "command | query")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (defaults to admin.addr from config)")

	return cmd
}

func readSubmissions(path string) ([]submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command file: %w", err)
	}
	var subs []submission
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to parse command file: %w", err)
	}
	return subs, nil
}

// submitCommands posts every submission in order and stops at the first
// failure.
func submitCommands(ctx context.Context, client *http.Client, base string, subs []submission, w io.Writer) error {
	for i, s := range subs {
		body, err := json.Marshal(s.SubmitRequest)
		if err != nil {
			return err
		}
		url := fmt.Sprintf("%s/api/partitions/%d/commands", base, s.Partition)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("command %d (%s): %w", i, s.Operation, err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("command %d (%s) rejected: %s: %s", i, s.Operation, resp.Status, bytes.TrimSpace(respBody))
		}
		var out admin.SubmitResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return fmt.Errorf("command %d (%s): bad response: %w", i, s.Operation, err)
		}
		value := string(out.Value)
		if value == "" {
			value = out.Raw
		}
		fmt.Fprintf(w, "partition %d  pos %-6d %-16s %s\n", s.Partition, out.Position, s.Operation, value)
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display partition positions, timers, tasks and distributions of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			client := &http.Client{Timeout: 5 * time.Second}
			statuses, err := fetchStatus(cmd.Context(), client, "http://"+cfg.Admin.Addr)
			if err != nil {
				log.Warn().Err(err).Msg("admin API unreachable")
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(configFile, cfg, statuses))
			return nil
		},
	}
}

func fetchStatus(ctx context.Context, client *http.Client, base string) ([]partition.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/partitions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var out []partition.Status
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return out, nil
}

// ============================================================================
// wal dump
// ============================================================================

func buildWALCommand() *cobra.Command {
	walCmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect partition write-ahead logs",
	}

	var id int
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the WAL of a partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			path := filepath.Join(partition.Dir(cfg.Node.DataDir, id), "wal.log")
			n, err := wal.DumpWAL(path, cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("failed to dump %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d events\n", n)
			return nil
		},
	}
	dump.Flags().IntVarP(&id, "partition", "p", 1, "partition id")
	walCmd.AddCommand(dump)
	return walCmd
}
