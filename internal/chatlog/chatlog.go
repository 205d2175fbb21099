// Package chatlog is a tiny leveled wrapper over the standard log
// package, gated by the CHATROOM_LOG environment variable (spec.md §6).
// It is grounded in the teacher's own logging calls, which go straight
// to the stdlib logger with a component prefix; this adds only the
// level gate the teacher's bootstrap glue left to its CLI flags.
package chatlog

import (
	"log"
	"os"
	"strings"
)

// Level is a log verbosity threshold.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var current = levelFromEnv()

func levelFromEnv() Level {
	switch strings.ToLower(os.Getenv("CHATROOM_LOG")) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "":
		return LevelError
	default:
		return LevelError
	}
}

func enabled(l Level) bool { return l <= current }

func Errorf(format string, args ...any) {
	if enabled(LevelError) {
		log.Printf("ERROR "+format, args...)
	}
}

func Warnf(format string, args ...any) {
	if enabled(LevelWarn) {
		log.Printf("WARN "+format, args...)
	}
}

func Infof(format string, args ...any) {
	if enabled(LevelInfo) {
		log.Printf("INFO "+format, args...)
	}
}

func Debugf(format string, args ...any) {
	if enabled(LevelDebug) {
		log.Printf("DEBUG "+format, args...)
	}
}
