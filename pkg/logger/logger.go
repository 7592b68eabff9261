package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig log configuration
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`    // megabytes
	MaxAge     int    `env:"LOG_MAX_AGE"`     // days
	MaxBackups int    `env:"LOG_MAX_BACKUPS"` // files
	Daily      bool   `env:"LOG_DAILY"`
}

var (
	// Lg is the process-wide logger. It is a no-op logger until Init is called.
	Lg = zap.NewNop()

	mu     sync.Mutex
	writer *lumberjack.Logger
	stopCh chan struct{}
)

// Init builds the global logger. In development mode records are tee'd to stdout.
func Init(cfg *LogConfig, mode string) error {
	if cfg == nil {
		return fmt.Errorf("log config is nil")
	}
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	cores := make([]zapcore.Core, 0, 2)
	if cfg.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
			Compress:   false,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level))

		mu.Lock()
		if stopCh != nil {
			close(stopCh)
		}
		writer = lj
		stopCh = make(chan struct{})
		if cfg.Daily {
			go rotateDaily(lj, stopCh)
		}
		mu.Unlock()
	}
	if mode != "production" || len(cores) == 0 {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level))
	}

	Lg = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	zap.ReplaceGlobals(Lg)
	return nil
}

// rotateDaily forces a rotation at local midnight.
func rotateDaily(lj *lumberjack.Logger, stop <-chan struct{}) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			_ = lj.Rotate()
		}
	}
}

// Sync flushes buffered records and stops the rotation goroutine.
func Sync() {
	_ = Lg.Sync()
	mu.Lock()
	defer mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		stopCh = nil
	}
	if writer != nil {
		_ = writer.Close()
		writer = nil
	}
}

func Debug(msg string, fields ...zap.Field) { Lg.Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Lg.Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Lg.Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Lg.Error(msg, fields...) }

func Fatal(msg string, fields ...zap.Field) { Lg.Fatal(msg, fields...) }

// With returns a child logger carrying the given fields, e.g. a session id.
func With(fields ...zap.Field) *zap.Logger {
	return Lg.WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}
