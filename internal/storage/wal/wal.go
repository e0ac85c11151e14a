package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 COMMAND 事件到日誌檔案（append-only），並分配 log position
// 2. 提供重放功能以恢復 partition 狀態
// 3. 支援日誌旋轉（快照後壓縮歸檔），position 在旋轉後持續遞增
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	position     int64         // 最後分配的 log position
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，position 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 position 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var position int64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("wal: read tail of %s: %w", path, err)
		}
		if last != nil {
			position = last.Position
		}
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		position:     position,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 分配下一個 position（覆寫 event.Position）
// - 計算 checksum
// - 寫入檔案並（可選）同步到磁碟
//
// 回傳寫入後的事件（含 position 與 checksum）
func (w *WAL) Append(event Event) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	event.Position = w.position + 1
	event.Checksum = CalculateChecksum(event)
	if err := w.encoder.Encode(event); err != nil {
		return Event{}, fmt.Errorf("wal: append position=%d: %w", event.Position, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, fmt.Errorf("wal: sync position=%d: %w", event.Position, err)
		}
	}
	w.position = event.Position
	return event, nil
}

// Replay 重放所有 position 大於 after 的事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum 與 position 遞增
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(after int64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	var last int64
	return readEvents(w.path, func(event Event, _ int64) error {
		if event.Position <= last {
			return fmt.Errorf("%w: %d after %d", ErrPositionGap, event.Position, last)
		}
		last = event.Position
		if event.Position <= after {
			return nil
		}
		return handler(event)
	})
}

// AdvanceTo 確保下一個分配的 position 大於 position
//
// 用途：旋轉後檔案為空，position 需從快照記錄的位置延續
func (w *WAL) AdvanceTo(position int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if position > w.position {
		w.position = position
	}
}

// Rotate 旋轉日誌檔案
//
// 目前檔案壓縮為 <path>.<position>.gz 後清空。position 不歸零，
// 快照記錄的 position 仍可與之後的事件銜接。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	archive := fmt.Sprintf("%s.%020d.gz", w.path, w.position)
	if err := compressWALFile(w.path, archive); err != nil {
		return fmt.Errorf("wal: archive %s: %w", archive, err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	return nil
}

// Close 關閉 WAL；關閉後的 WAL 實例不可重用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastPosition 取得最後分配的 position
//
// 用途：快照時需要記錄 last position，確保恢復時知道從哪裡開始重放
func (w *WAL) LastPosition() int64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}
