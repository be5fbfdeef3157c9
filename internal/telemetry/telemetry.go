// Package telemetry is PktMask's structured logging layer. It follows the
// teacher's pattern in pcap-fsnotify/main.go: a package-level sugared zap
// logger, a closed set of event-name constants, and a single logging
// entrypoint that always attaches the same contextual fields.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event names the kind of occurrence being logged. Mirrors the teacher's
// pcapEvent constants (PCAP_FSNINI, PCAP_CREATE, ...).
type Event string

const (
	EventFileStart      Event = "FILE_START"
	EventFileEnd        Event = "FILE_END"
	EventStageStart     Event = "STAGE_START"
	EventStageEnd       Event = "STAGE_END"
	EventStageError     Event = "STAGE_ERROR"
	EventMarkerFallback Event = "MARKER_FALLBACK"
	EventIPMapBuilt     Event = "IPMAP_BUILT"
	EventRuleDiscarded  Event = "RULE_DISCARDED"
	EventScratchCleanup Event = "SCRATCH_CLEANUP"
)

var (
	base, _ = zap.Config{
		Encoding:    "json",
		Level:       zap.NewAtomicLevelAt(zapcore.InfoLevel),
		OutputPaths: []string{"stdout"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "message",
			LevelKey:    "severity",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			TimeKey:     "time",
			EncodeTime:  zapcore.ISO8601TimeEncoder,
		},
	}.Build()
	sugar = base.Sugar()
)

// SetDebug raises or lowers the process-wide log level, used by the `--debug`
// CLI flag.
func SetDebug(debug bool) {
	lvl := zapcore.InfoLevel
	if debug {
		lvl = zapcore.DebugLevel
	}
	cfg := zap.Config{
		Encoding:    "json",
		Level:       zap.NewAtomicLevelAt(lvl),
		OutputPaths: []string{"stdout"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "message",
			LevelKey:    "severity",
			EncodeLevel: zapcore.CapitalLevelEncoder,
			TimeKey:     "time",
			EncodeTime:  zapcore.ISO8601TimeEncoder,
		},
	}
	if built, err := cfg.Build(); err == nil {
		base = built
		sugar = base.Sugar()
	}
}

// Sync flushes the logger; call from main() via defer.
func Sync() { _ = base.Sync() }

// Log emits one structured event, attaching file/stage context and, when
// present, the originating error. It is the sole logging entrypoint for
// every package in the module, matching the teacher's single `logEvent`
// helper.
func Log(level zapcore.Level, message string, event Event, file, stage string, extra map[string]interface{}, err error) {
	fields := []interface{}{"event", event}
	if file != "" {
		fields = append(fields, "file", file)
	}
	if stage != "" {
		fields = append(fields, "stage", stage)
	}
	if err != nil {
		fields = append(fields, "error", err.Error())
	}
	if len(extra) > 0 {
		fields = append(fields, "data", extra)
	}
	sugar.Logw(level, message, fields...)
}

func Info(message string, event Event, file, stage string, extra map[string]interface{}) {
	Log(zapcore.InfoLevel, message, event, file, stage, extra, nil)
}

func Warn(message string, event Event, file, stage string, extra map[string]interface{}, err error) {
	Log(zapcore.WarnLevel, message, event, file, stage, extra, err)
}

func Error(message string, event Event, file, stage string, extra map[string]interface{}, err error) {
	Log(zapcore.ErrorLevel, message, event, file, stage, extra, err)
}
