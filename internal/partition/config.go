package partition

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/clock"
	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/ChuLiYu/beaver-engine/internal/scheduledtask"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config 單一 partition 的配置
type Config struct {
	ID       int
	DataDir  string // partition 檔案位於 DataDir/partition-<id>/
	Priority actor.Priority
	Storage  string // memory | sqlite

	SyncOnAppend     bool          // 每次 WAL append 都 fsync
	TickInterval     time.Duration // 兩次 tick 之間的最長間隔
	SnapshotInterval time.Duration // 0 表示只在關閉時寫快照

	Retry           distribution.RetryPolicy
	AckTimeout      time.Duration
	AdvanceInterval time.Duration // distribution driver 週期
	MarkerTTL       time.Duration

	BatchLimit     int
	TaskRetryDelay time.Duration
	// SweepCadence drives the dedupe-marker and key-TTL sweeps.
	SweepCadence scheduledtask.Cadence
}

func (c *Config) applyDefaults() {
	if c.Storage == "" {
		c.Storage = StorageMemory
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.AdvanceInterval <= 0 {
		c.AdvanceInterval = 100 * time.Millisecond
	}
	if c.SweepCadence == nil {
		c.SweepCadence = scheduledtask.Every(time.Second)
	}
}

func (c *Config) validate() error {
	switch {
	case c.ID < 1:
		return fmt.Errorf("partition id must be >= 1, got %d", c.ID)
	case c.DataDir == "":
		return errors.New("partition data dir is required")
	case c.Storage != StorageMemory && c.Storage != StorageSQLite:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	return nil
}

// Dir returns the directory holding partition id's WAL, snapshot and store.
func Dir(dataDir string, id int) string {
	return filepath.Join(dataDir, fmt.Sprintf("partition-%d", id))
}

// Deps are the collaborators shared by every partition of a node.
type Deps struct {
	Scheduler *actor.Scheduler
	Sender    distribution.Sender
	Topology  distribution.Topology
	Clock     clock.Clock
	Metrics   *metrics.Collector
}
