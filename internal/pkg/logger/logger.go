// Package logger emits structured JSON log lines with phone-number
// redaction for fields that carry recipient addresses.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

var (
	mu        sync.Mutex
	minLevel  = levelFromEnv()
	redactPII = true
)

func levelFromEnv() Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets the minimum emitted level.
func SetLevel(l Level) {
	mu.Lock()
	minLevel = l
	mu.Unlock()
}

// SetRedactPII toggles recipient address redaction.
func SetRedactPII(r bool) {
	mu.Lock()
	redactPII = r
	mu.Unlock()
}

// Debug emits a DEBUG entry with optional key-value field pairs.
func Debug(msg string, fields ...interface{}) { emit(DEBUG, msg, fields) }

// Info emits an INFO entry with optional key-value field pairs.
func Info(msg string, fields ...interface{}) { emit(INFO, msg, fields) }

// Warn emits a WARN entry with optional key-value field pairs.
func Warn(msg string, fields ...interface{}) { emit(WARN, msg, fields) }

// Error emits an ERROR entry with optional key-value field pairs.
func Error(msg string, fields ...interface{}) { emit(ERROR, msg, fields) }

func emit(level Level, msg string, fields []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if redactPII && isRecipientField(key) {
			val = RedactPhone(val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	fmt.Fprintln(os.Stderr, string(data))
}

func isRecipientField(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "phone") ||
		strings.Contains(key, "address") ||
		strings.Contains(key, "recipient") ||
		key == "to"
}
