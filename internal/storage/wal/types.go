package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType records how a command entered the partition log
type EventType string

const (
	EventCommand     EventType = "COMMAND"     // Submitted by a client
	EventFollowUp    EventType = "FOLLOW_UP"   // Emitted by a scheduled task or callback
	EventDistributed EventType = "DISTRIBUTED" // Received from another partition
)

// Event represents one logged COMMAND. Queries are never logged.
type Event struct {
	Position    int64     `json:"position"`          // Log position (strictly increasing)
	Type        EventType `json:"type"`              // Event origin
	OperationID string    `json:"operation_id"`      // Registered operation id
	Kind        string    `json:"kind,omitempty"`    // Invocation kind; empty in logs written before it was recorded
	Caller      string    `json:"caller"`            // Caller identity
	Timestamp   int64     `json:"timestamp"`         // Logical Unix millisecond timestamp
	Payload     []byte    `json:"payload,omitempty"` // Opaque command payload
	Checksum    uint32    `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to partition state
type EventHandler func(event Event) error
