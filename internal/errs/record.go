package errs

import (
	"time"
)

// Code identifies a specific failure condition.
type Code string

const (
	CodeConnectionError  Code = "WS001"
	CodeSendError        Code = "WS002"
	CodeReconnectFailed  Code = "WS003"
	CodeConnectionClosed Code = "WS004"
	CodeMessageFailed    Code = "MSG002"
	CodeMessageInvalid   Code = "MSG003"
)

// Kind is the taxonomy bucket a failure belongs to.
type Kind string

const (
	KindConnection    Kind = "connection-error"
	KindSend          Kind = "send-error"
	KindProtocol      Kind = "protocol-error"
	KindMessageFailed Kind = "message-failed"
)

// Level is the severity of a record.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Record is a classified failure handed to a Reporter.
type Record struct {
	Code      Code
	Kind      Kind
	Message   string
	Level     Level
	Timestamp time.Time
	Detail    error
}

// NewRecord builds a record. The kind is derived from detail when the code
// does not pin one.
func NewRecord(code Code, level Level, message string, detail error) Record {
	kind := kindForCode(code)
	if kind == "" {
		kind = Classify(detail)
	}
	return Record{
		Code:      code,
		Kind:      kind,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
		Detail:    detail,
	}
}

func kindForCode(code Code) Kind {
	switch code {
	case CodeConnectionError, CodeReconnectFailed, CodeConnectionClosed:
		return KindConnection
	case CodeMessageInvalid:
		return KindProtocol
	}
	return ""
}

// At returns a copy of r stamped with t.
func (r Record) At(t time.Time) Record {
	r.Timestamp = t
	return r
}

// WithKind returns a copy of r with the kind overridden.
func (r Record) WithKind(k Kind) Record {
	r.Kind = k
	return r
}
