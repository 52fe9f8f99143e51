// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "console"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "droidrig")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("DROIDRIG_LOG_LEVEL", "info"),
		Format: getenv("DROIDRIG_LOG_FORMAT", "console"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Serial returns a zap field for a device serial.
func Serial(serial string) zap.Field { return zap.String("serial", serial) }

// Session returns a zap field for a remote agent session identifier.
func Session(id int) zap.Field { return zap.Int("session", id) }

// Op returns a zap field for a lifecycle operation name.
func Op(op string) zap.Field { return zap.String("op", op) }

// Port returns a zap field for the port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// HostPort returns a zap field for a host-side forwarding port.
func HostPort(port int) zap.Field { return zap.Int("host_port", port) }

// DevicePort returns a zap field for a device-side forwarding port.
func DevicePort(port int) zap.Field { return zap.Int("device_port", port) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Path returns a zap field for a file path.
func Path(path string) zap.Field { return zap.String("path", path) }

// Label returns a zap field for a caller-supplied label or tag.
func Label(label string) zap.Field { return zap.String("label", label) }

// Model returns a zap field for a device model name.
func Model(model string) zap.Field { return zap.String("model", model) }

// Event returns a zap field for a remote agent event name.
func Event(name string) zap.Field { return zap.String("event", name) }

// RunID returns a zap field for the run identifier.
func RunID(id string) zap.Field { return zap.String("run_id", id) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }
