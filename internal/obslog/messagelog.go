package obslog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// MessageLog is a single structured record of one handler invocation.
type MessageLog struct {
	Timestamp     time.Time `json:"timestamp"`
	MessageID     string    `json:"message_id"`
	MessageType   string    `json:"message_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	HandlerID     string    `json:"handler_id,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	RetryCount    int       `json:"retry_count,omitempty"`
	DeadLettered  bool      `json:"dead_lettered,omitempty"`
}

// MessageLogger records one entry per handler invocation, to console
// and/or a JSON-lines file, independent of the operational logger.
type MessageLogger struct {
	mu      sync.Mutex
	enabled bool
	console bool
	file    *os.File
}

var defaultMessageLogger = &MessageLogger{enabled: true, console: true}

// DefaultMessageLogger returns the package's default MessageLogger.
func DefaultMessageLogger() *MessageLogger {
	return defaultMessageLogger
}

// SetOutput directs file output to path, replacing any previous file.
func (l *MessageLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables or disables console output.
func (l *MessageLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// SetEnabled enables or disables the logger entirely.
func (l *MessageLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log records entry, stamping its timestamp.
func (l *MessageLogger) Log(entry *MessageLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		retry := ""
		if entry.RetryCount > 0 {
			retry = fmt.Sprintf(" [retry:%d]", entry.RetryCount)
		}
		dlq := ""
		if entry.DeadLettered {
			dlq = " [dead-lettered]"
		}
		fmt.Fprintf(os.Stdout, "[message] %s %s %s %dms%s%s\n",
			status, entry.MessageID, entry.MessageType, entry.DurationMs, retry, dlq)
		if entry.Error != "" {
			fmt.Fprintf(os.Stdout, "[message]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
}

// Close closes the message logger's file output, if any.
func (l *MessageLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
