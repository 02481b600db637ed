package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu      sync.RWMutex
	base        *zap.Logger
	globalLevel = INFO
	format      = "console"
	initOnce    sync.Once

	// exitFunc is called by Fatal after the entry is written.
	exitFunc = os.Exit
)

// SetFormat selects the encoder used by the next Initialize: "json" or "console".
func SetFormat(f string) error {
	switch strings.ToLower(f) {
	case "json", "console":
		format = strings.ToLower(f)
		return nil
	default:
		return fmt.Errorf("invalid log format %q (must be json or console)", f)
	}
}

// Initialize sets the default level and optional per-package overrides and
// rebuilds the zap core. All output goes to stderr so that stdout stays free
// for the MCP stdio transport.
// Unknown default levels fall back to INFO.
func Initialize(levelStr string, packageLevels ...map[string]string) error {
	level, err := parseLevel(levelStr)
	if err != nil {
		level = INFO
	}

	setCore(newCore(format, zapcore.Lock(os.Stderr)), level)

	if len(packageLevels) > 0 && packageLevels[0] != nil {
		return SetPackageLogLevels(packageLevels[0])
	}
	return nil
}

func newCore(f string, out zapcore.WriteSyncer) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	var enc zapcore.Encoder
	if f == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	// Level filtering happens in Logger.shouldLog so the core accepts everything.
	return zapcore.NewCore(enc, out, zapcore.DebugLevel)
}

// deferredExit leaves process termination to exitFunc.
type deferredExit struct{}

func (deferredExit) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) {}

func setCore(core zapcore.Core, level LogLevel) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = zap.New(core, zap.WithFatalHook(deferredExit{}))
	globalLevel = level
}

func current() (*zap.Logger, LogLevel) {
	initOnce.Do(func() {
		baseMu.RLock()
		ready := base != nil
		baseMu.RUnlock()
		if !ready {
			_ = Initialize("info")
		}
	})
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base, globalLevel
}

// Sync flushes buffered entries.
func Sync() {
	z, _ := current()
	_ = z.Sync()
}

// GetLogger returns a logger with the specified name
func GetLogger(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) shouldLog(level LogLevel) bool {
	if pkgLevel := GetPackageLogLevel(l.name); pkgLevel >= 0 {
		return level >= pkgLevel
	}
	_, globalLvl := current()
	return level >= globalLvl
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	if l.shouldLog(DEBUG) {
		l.write(DEBUG, fmt.Sprintf(msg, args...), nil)
	}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	if l.shouldLog(INFO) {
		l.write(INFO, fmt.Sprintf(msg, args...), nil)
	}
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	if l.shouldLog(WARN) {
		l.write(WARN, fmt.Sprintf(msg, args...), nil)
	}
}

func (l *Logger) Error(msg string, args ...interface{}) {
	if l.shouldLog(ERROR) {
		l.write(ERROR, fmt.Sprintf(msg, args...), nil)
	}
}

// Fatal logs a fatal message and exits the program with code 1
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if l.shouldLog(FATAL) {
		l.write(FATAL, fmt.Sprintf(msg, args...), nil)
		exitFunc(1)
	}
}

// ErrorWithErr logs msg with the error attached as the "error" field.
func (l *Logger) ErrorWithErr(msg string, err error) {
	if l.shouldLog(ERROR) {
		l.write(ERROR, msg, []LogField{Field("error", err)})
	}
}

func (l *Logger) DebugWithFields(msg string, fields ...LogField) {
	if l.shouldLog(DEBUG) {
		l.write(DEBUG, msg, fields)
	}
}

func (l *Logger) InfoWithFields(msg string, fields ...LogField) {
	if l.shouldLog(INFO) {
		l.write(INFO, msg, fields)
	}
}

func (l *Logger) WarnWithFields(msg string, fields ...LogField) {
	if l.shouldLog(WARN) {
		l.write(WARN, msg, fields)
	}
}

func (l *Logger) ErrorWithFields(msg string, fields ...LogField) {
	if l.shouldLog(ERROR) {
		l.write(ERROR, msg, fields)
	}
}

// WithName returns a logger with a different name and no persistent fields.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{name: name, ctx: l.ctx}
}

// WithField adds a persistent structured field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Field(key, value))
}

// WithFields adds persistent structured fields
func (l *Logger) WithFields(fields ...LogField) *Logger {
	merged := make([]LogField, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{name: l.name, fields: merged, ctx: l.ctx}
}

// WithContext returns a logger that adds trace and span IDs found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{name: l.name, fields: l.fields, ctx: ctx}
}

// write merges context, persistent and call fields (last key wins) and
// hands the entry to zap.
func (l *Logger) write(level LogLevel, msg string, fields []LogField) {
	z, _ := current()
	ce := z.Named(l.name).Check(level.zapLevel(), msg)
	if ce == nil {
		return
	}

	all := make([]LogField, 0, 2+len(l.fields)+len(fields))
	all = append(all, contextFields(l.ctx)...)
	all = append(all, l.fields...)
	all = append(all, fields...)

	index := make(map[string]int, len(all))
	out := make([]zap.Field, 0, len(all))
	for _, f := range all {
		zf := zap.Any(f.Key, f.Value)
		if err, ok := f.Value.(error); ok {
			zf = zap.NamedError(f.Key, err)
		}
		if i, seen := index[f.Key]; seen {
			out[i] = zf
			continue
		}
		index[f.Key] = len(out)
		out = append(out, zf)
	}
	ce.Write(out...)
}
