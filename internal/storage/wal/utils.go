package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（讀取、檢視、壓縮歸檔）
// ============================================================================

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// readEvents 逐一解碼檔案中的事件並驗證 checksum
func readEvents(path string, fn func(event Event, offset int64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last int64
	for decoder.More() {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{After: last, Offset: offset, Cause: err}
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{
				Position: event.Position,
				Expected: CalculateChecksum(event),
				Actual:   event.Checksum,
			}
		}
		last = event.Position
		if err := fn(event, offset); err != nil {
			return err
		}
	}
	return nil
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描並驗證每個事件；檔案為空時回傳 nil, nil
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := readEvents(path, func(event Event, _ int64) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[pos:1] COMMAND put by client at 2024-01-01T00:00:00Z (12 bytes, checksum:0x12345678)
//
// 回傳輸出的事件數
func DumpWAL(path string, w io.Writer) (int, error) {
	count := 0
	err := readEvents(path, func(event Event, _ int64) error {
		count++
		ts := time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[pos:%d] %s %s by %s at %s (%d bytes, checksum:0x%08x)\n",
			event.Position, event.Type, event.OperationID, event.Caller, ts, len(event.Payload), event.Checksum)
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return count, err
}

// compressWALFile 將 srcPath 壓縮寫入 dstPath（.gz）
//
// 只在旋轉時壓縮，避免每次寫入都壓縮造成效能瓶頸
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	return dstFile.Sync()
}
