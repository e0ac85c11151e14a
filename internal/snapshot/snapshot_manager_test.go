package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData(position int64) Data {
	return Data{
		Partition:    2,
		LastPosition: position,
		Clock:        1_700_000_000_000,
		Entries: []state.Entry{
			{Key: "dist/record/00000000000000000001", Value: []byte(`{"key":1}`)},
			{Key: "kv/user", Value: []byte("alice")},
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	original := sampleData(100)

	require.NoError(t, manager.Write(original))
	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, FormatVersion, loaded.FormatVersion)
	assert.Equal(t, original.Partition, loaded.Partition)
	assert.Equal(t, original.LastPosition, loaded.LastPosition)
	assert.Equal(t, original.Clock, loaded.Clock)
	assert.Equal(t, original.Entries, loaded.Entries)
}

// TestAtomicWrite 測試並發寫入與讀取時不會讀到半成品
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(100)))
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastPosition == 50 || loaded.LastPosition == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastPosition)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(Data{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, loaded.FormatVersion)
	assert.Zero(t, loaded.LastPosition)
	assert.NotNil(t, loaded.Entries)
	assert.Empty(t, loaded.Entries)
}

// TestVersionCompatibility 測試格式版本相容性
func TestVersionCompatibility(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.0.0", false},
		{"1.1.0", false},
		{"1.9.3", false},
		{"2.0.0", true},
		{"0.9.0", true},
		{"not-a-version", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("version %q", tt.version), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snapshot.json")
			data := sampleData(7)
			data.FormatVersion = tt.version
			raw, err := json.Marshal(data)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, raw, 0644))

			_, err = NewManager(path).Load()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrIncompatibleVersion)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	corrupted := `{"format_version": "1.1.0", "entries": [{"key": "a"`
	require.NoError(t, os.WriteFile(path, []byte(corrupted), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目錄不存在）
func TestWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-dir", "snapshot.json")
	err := NewManager(path).Write(sampleData(1))
	assert.Error(t, err)
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestLargeSnapshot 測試大型快照
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	entries := make([]state.Entry, 10000)
	for i := range entries {
		entries[i] = state.Entry{Key: fmt.Sprintf("kv/%06d", i), Value: []byte(fmt.Sprintf("value-%d", i))}
	}
	require.NoError(t, manager.Write(Data{LastPosition: 10000, Entries: entries}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Entries, 10000)
	assert.Equal(t, "kv/009999", loaded.Entries[9999].Key)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "snapshot.json"))
	data := sampleData(1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
