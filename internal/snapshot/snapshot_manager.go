package snapshot

// ============================================================================
// 職責說明：
// 1. 將 partition 完整狀態（state store 內容 + 最後 log position）序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時以 semver 約束驗證格式版本相容性
// 4. 配合 WAL 實現快速恢復：載入快照後只重放 position 之後的事件
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/Masterminds/semver/v3"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot format version is incompatible")
)

// FormatVersion 目前寫入的快照格式版本
const FormatVersion = "1.1.0"

// compatible 可讀取的格式版本範圍
var compatible = mustConstraint("^1.0.0")

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cons
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Data 快照內容
type Data struct {
	FormatVersion string        `json:"format_version"`
	Partition     int           `json:"partition"`
	LastPosition  int64         `json:"last_position"` // 快照涵蓋的最後 log position
	Clock         int64         `json:"clock"`         // 快照當下的邏輯時鐘（Unix ms）
	Entries       []state.Entry `json:"entries"`
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.FormatVersion = FormatVersion
	if data.Entries == nil {
		data.Entries = []state.Entry{}
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, jsonBytes); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

func writeSynced(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 Data（首次啟動）
//   - 驗證格式版本是否落在相容範圍
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			// 首次啟動，無快照，回傳空狀態
			return Data{FormatVersion: FormatVersion, Entries: []state.Entry{}}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	v, err := semver.NewVersion(data.FormatVersion)
	if err != nil {
		return data, fmt.Errorf("%w: bad version %q: %v", ErrIncompatibleVersion, data.FormatVersion, err)
	}
	if !compatible.Check(v) {
		return data, fmt.Errorf("%w: got %s, want %s", ErrIncompatibleVersion, v, compatible)
	}

	if data.Entries == nil {
		data.Entries = []state.Entry{}
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
