package executor

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-engine/internal/fault"
)

// ============================================================================
// Executor Type Definitions
// ============================================================================

// Kind separates state-mutating commands from read-only queries.
type Kind int

const (
	KindCommand Kind = iota + 1
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps "command"/"query" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "command", "":
		return KindCommand, nil
	case "query":
		return KindQuery, nil
	default:
		return 0, fmt.Errorf("unknown command kind %q", s)
	}
}

func (k Kind) valid() bool {
	return k == KindCommand || k == KindQuery
}

// Command is an operation id, its kind and an opaque payload.
type Command struct {
	OperationID string `json:"operation_id"`
	Kind        Kind   `json:"kind"`
	Payload     []byte `json:"payload,omitempty"`
}

// InvocationContext is everything a handler gets to see. Position is the
// log position of a COMMAND and identifies the invocation; Timestamp is
// logical time in Unix milliseconds.
type InvocationContext struct {
	Position  int64
	Command   Command
	Caller    string
	Timestamp int64
}

// Handler applies one operation. A QUERY handler must not mutate state;
// that contract is not enforced at runtime.
type Handler func(ic InvocationContext) ([]byte, error)

// Callback runs when the logical clock reaches its due time.
type Callback func() error

// 錯誤定義
var (
	ErrUnregisteredOperation = errors.New("no handler registered for operation")
	ErrDuplicateHandler      = errors.New("handler already registered for operation")
	ErrKindMismatch          = errors.New("operation kind does not match registered handler")
	ErrInvalidRegistration   = errors.New("invalid handler registration")
	ErrPositionNotIncreasing = errors.New("log position does not increase")
	ErrExecutorClosed        = errors.New("executor is closed")
)

// ProcessingError is a failure raised by a handler. Class tells the caller
// whether retrying the same command is safe.
type ProcessingError struct {
	Position    int64
	OperationID string
	Class       fault.Class
	Cause       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s at position %d failed (%s): %v",
		e.OperationID, e.Position, e.Class, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether the command may be retried.
func (e *ProcessingError) Recoverable() bool {
	return e.Class == fault.ClassRecoverable
}

// CallbackError is a failure raised by a scheduled callback.
type CallbackError struct {
	Due   int64
	Cause error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback due at %d failed: %v", e.Due, e.Cause)
}

func (e *CallbackError) Unwrap() error {
	return e.Cause
}
