package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 涵蓋除 Checksum 以外的所有欄位；字串以 0 位元組分隔，
// 避免 ("ab","c") 與 ("a","bc") 產生相同輸入。
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	var num [8]byte

	binary.BigEndian.PutUint64(num[:], uint64(event.Position))
	h.Write(num[:])
	for _, s := range []string{string(event.Type), event.OperationID, event.Kind, event.Caller} {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	binary.BigEndian.PutUint64(num[:], uint64(event.Timestamp))
	h.Write(num[:])
	h.Write(event.Payload)

	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
