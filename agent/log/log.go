package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logger accepted by agent components.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level is the severity of an entry. Lower values are more severe, so a
// logger at LevelInfo emits Error, Warn and Info and suppresses Debug.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var levelNames = [...]string{
	LevelError: "error",
	LevelWarn:  "warn",
	LevelInfo:  "info",
	LevelDebug: "debug",
}

func (level Level) String() string {
	if int(level) < len(levelNames) {
		return levelNames[level]
	}

	return "unknown"
}

// ParseLevel accepts the names printed by Level.String, case-insensitive,
// and "warning" as an alias of warn.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		return LevelWarn, nil
	}

	for level, n := range levelNames {
		if n == name {
			return Level(level), nil
		}
	}

	return LevelInfo, fmt.Errorf("not a valid log level: %q", s)
}

// Field is a key/value attribute attached to a log entry.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Creditor and Debtor name the two halves of an account key the same way
// in every component, so entries about one account can be grepped together.
func Creditor(id int64) Field {
	return Int64("creditor_id", id)
}

func Debtor(id int64) Field {
	return Int64("debtor_id", id)
}
