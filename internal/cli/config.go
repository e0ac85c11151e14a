package cli

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/partition"
	"github.com/ChuLiYu/beaver-engine/internal/scheduledtask"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration
// Maps config file fields through YAML tags
type Config struct {
	Node struct {
		ID      string         `yaml:"id"` // 空值時啟動時產生 uuid
		DataDir string         `yaml:"data_dir"`
		Listen  string         `yaml:"listen"` // gRPC transport 位址，空值表示單節點
		Peers   map[int]string `yaml:"peers"`  // 遠端 partition id -> 節點位址
	} `yaml:"node"`

	Scheduler struct {
		Workers         int                `yaml:"workers"`
		Quotas          map[string]float64 `yaml:"quotas"`
		Slice           time.Duration      `yaml:"slice"`
		MaxJobsPerSlice int                `yaml:"max_jobs_per_slice"`
	} `yaml:"scheduler"`

	Partitions struct {
		IDs              []int         `yaml:"ids"`
		Priority         string        `yaml:"priority"`
		TickInterval     time.Duration `yaml:"tick_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"partitions"`

	Storage struct {
		Backend      string `yaml:"backend"` // memory | sqlite
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"storage"`

	Distribution struct {
		Retry struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			Factor       float64       `yaml:"factor"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			MaxAttempts  int           `yaml:"max_attempts"`
		} `yaml:"retry"`
		AckTimeout      time.Duration `yaml:"ack_timeout"`
		AdvanceInterval time.Duration `yaml:"advance_interval"`
		MarkerTTL       time.Duration `yaml:"marker_ttl"`
		SendTimeout     time.Duration `yaml:"send_timeout"`
	} `yaml:"distribution"`

	Housekeeping struct {
		BatchLimit int           `yaml:"batch_limit"`
		RetryDelay time.Duration `yaml:"retry_delay"`
		// Cadence is a Go duration ("30s") or a cron expression ("*/5 * * * *").
		Cadence string `yaml:"cadence"`
	} `yaml:"housekeeping"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Admin struct {
		Enabled bool          `yaml:"enabled"`
		Addr    string        `yaml:"addr"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"admin"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data"
	}
	if len(c.Partitions.IDs) == 0 {
		c.Partitions.IDs = []int{1}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = partition.StorageMemory
	}
	if c.Distribution.SendTimeout <= 0 {
		c.Distribution.SendTimeout = 2 * time.Second
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = "127.0.0.1:9090"
	}
	if c.Admin.Timeout <= 0 {
		c.Admin.Timeout = 5 * time.Second
	}
}

// validate checks cross-section constraints that the partitions cannot see.
func (c *Config) validate() error {
	for id := range c.Node.Peers {
		if slices.Contains(c.Partitions.IDs, id) {
			return fmt.Errorf("partition %d is both local and served by peer %s", id, c.Node.Peers[id])
		}
	}
	sorted := slices.Clone(c.Partitions.IDs)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(c.Partitions.IDs) {
		return errors.New("partition ids must be unique")
	}
	if len(c.Node.Peers) > 0 && c.Node.Listen == "" {
		return errors.New("node.listen is required when peers are configured")
	}
	return nil
}

func (c *Config) schedulerConfig() (actor.Config, error) {
	cfg := actor.Config{
		WorkerCount:     c.Scheduler.Workers,
		SliceDuration:   c.Scheduler.Slice,
		MaxJobsPerSlice: c.Scheduler.MaxJobsPerSlice,
	}
	if len(c.Scheduler.Quotas) > 0 {
		cfg.Quotas = make(map[actor.Priority]float64, len(c.Scheduler.Quotas))
		for name, share := range c.Scheduler.Quotas {
			p, err := actor.ParsePriority(name)
			if err != nil {
				return actor.Config{}, fmt.Errorf("scheduler.quotas: %w", err)
			}
			cfg.Quotas[p] = share
		}
	}
	return cfg, nil
}

func (c *Config) cadence() (scheduledtask.Cadence, error) {
	if c.Housekeeping.Cadence == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(c.Housekeeping.Cadence); err == nil {
		return scheduledtask.Every(d), nil
	}
	return scheduledtask.CronCadence(c.Housekeeping.Cadence)
}

func (c *Config) partitionConfig(id int) (partition.Config, error) {
	priority, err := actor.ParsePriority(c.Partitions.Priority)
	if err != nil {
		return partition.Config{}, fmt.Errorf("partitions.priority: %w", err)
	}
	cadence, err := c.cadence()
	if err != nil {
		return partition.Config{}, fmt.Errorf("housekeeping.cadence: %w", err)
	}
	r := c.Distribution.Retry
	return partition.Config{
		ID:               id,
		DataDir:          c.Node.DataDir,
		Priority:         priority,
		Storage:          c.Storage.Backend,
		SyncOnAppend:     c.Storage.SyncOnAppend,
		TickInterval:     c.Partitions.TickInterval,
		SnapshotInterval: c.Partitions.SnapshotInterval,
		Retry: distribution.RetryPolicy{
			InitialDelay: r.InitialDelay,
			Factor:       r.Factor,
			MaxDelay:     r.MaxDelay,
			MaxAttempts:  r.MaxAttempts,
		},
		AckTimeout:      c.Distribution.AckTimeout,
		AdvanceInterval: c.Distribution.AdvanceInterval,
		MarkerTTL:       c.Distribution.MarkerTTL,
		BatchLimit:      c.Housekeeping.BatchLimit,
		TaskRetryDelay:  c.Housekeeping.RetryDelay,
		SweepCadence:    cadence,
	}, nil
}
