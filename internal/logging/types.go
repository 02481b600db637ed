package logging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogField represents a structured logging field
type LogField struct {
	Key   string
	Value interface{}
}

// Field creates a structured logging field
func Field(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

// Logger is a named, immutable handle on the process-wide zap core.
// With* methods return copies, so a Logger may be shared between goroutines.
type Logger struct {
	name   string
	fields []LogField
	ctx    context.Context
}

var (
	packageLogLevels = make(map[string]LogLevel)
	packageLogMutex  sync.RWMutex
)

// SetPackageLogLevels replaces the per-package level overrides.
// Keys are package names ("healing.policy") or prefix patterns ("healing.*").
func SetPackageLogLevels(levels map[string]string) error {
	parsed := make(map[string]LogLevel, len(levels))
	for pkg, levelStr := range levels {
		level, err := parseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("invalid log level for package %q: %w", pkg, err)
		}
		parsed[pkg] = level
	}

	packageLogMutex.Lock()
	packageLogLevels = parsed
	packageLogMutex.Unlock()
	return nil
}

// GetPackageLogLevel returns the override for packageName, or -1 when none applies.
// An exact match wins over patterns; among patterns the longest one wins.
func GetPackageLogLevel(packageName string) LogLevel {
	packageLogMutex.RLock()
	defer packageLogMutex.RUnlock()

	if level, ok := packageLogLevels[packageName]; ok {
		return level
	}

	var matches []string
	for pattern := range packageLogLevels {
		if matchesPattern(packageName, pattern) {
			matches = append(matches, pattern)
		}
	}
	if len(matches) == 0 {
		return LogLevel(-1)
	}
	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) > len(matches[j])
		}
		return matches[i] < matches[j]
	})
	return packageLogLevels[matches[0]]
}

func matchesPattern(packageName, pattern string) bool {
	if packageName == pattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(packageName, prefix+".")
	}
	return false
}

func parseLevel(levelStr string) (LogLevel, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return -1, fmt.Errorf("invalid level: %s (must be DEBUG, INFO, WARN, ERROR, or FATAL)", levelStr)
	}
}
