// Package grpslog provides the two process-wide rotating text logs the
// server writes to: a framework log for the runtime itself and a user log
// for model/converter/inferer code. Both are slog loggers backed by a
// lumberjack rotating writer, following the same wiring as a single
// logger would, just doubled.
package grpslog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	serverLogName  = "grps_server.log"
	userLogName    = "grps_usr.log"
	monitorLogName = "grps_monitor.log"
)

// Config controls where and how much of the two logs are retained.
type Config struct {
	Dir         string
	BackupCount int
	Level       slog.Level
}

// Loggers holds the framework and user loggers plus the monitor log path,
// all rooted at the same directory.
type Loggers struct {
	Framework *slog.Logger
	User      *slog.Logger

	monitorPath string
}

// Framework and User are set by Init and are the process-wide singletons;
// every package that needs to log reads from here rather than threading a
// logger through every call site.
var (
	Framework *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	User      *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Init creates the log directory (if absent) and installs the two rotating
// loggers. It fails if the directory path exists as a regular file — the
// same constraint the config loader enforces on the same path.
func Init(cfg Config) (*Loggers, error) {
	if cfg.Dir == "" {
		cfg.Dir = "logs"
	}
	if cfg.BackupCount <= 0 {
		cfg.BackupCount = 10
	}

	if fi, err := os.Stat(cfg.Dir); err == nil {
		if !fi.IsDir() {
			return nil, fmt.Errorf("grpslog: log dir %q exists and is a regular file", cfg.Dir)
		}
	} else if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(cfg.Dir, 0o755); mkErr != nil {
			return nil, fmt.Errorf("grpslog: create log dir %q: %w", cfg.Dir, mkErr)
		}
	} else {
		return nil, fmt.Errorf("grpslog: stat log dir %q: %w", cfg.Dir, err)
	}

	serverWriter := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, serverLogName),
		MaxBackups: cfg.BackupCount,
		Compress:   true,
	}
	userWriter := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, userLogName),
		MaxBackups: cfg.BackupCount,
		Compress:   true,
	}

	// Both files rotate at local midnight (and, as lumberjack does, when one
	// reaches its size cap); retention is bounded by MaxBackups.
	go func() {
		for {
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
			time.Sleep(midnight.Sub(now))
			_ = serverWriter.Rotate()
			_ = userWriter.Rotate()
		}
	}()

	handlerOpts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   true,
		ReplaceAttr: millisTimestamp,
	}

	Framework = slog.New(slog.NewTextHandler(serverWriter, handlerOpts)).With("component", "framework")
	User = slog.New(slog.NewTextHandler(userWriter, handlerOpts)).With("component", "user")

	return &Loggers{
		Framework:   Framework,
		User:        User,
		monitorPath: filepath.Join(cfg.Dir, monitorLogName),
	}, nil
}

// MonitorLogPath returns the path the metrics aggregator dumps its
// once-a-second snapshot to.
func (l *Loggers) MonitorLogPath() string {
	return l.monitorPath
}

// millisTimestamp rewrites the default slog time attribute to carry
// millisecond precision.
func millisTimestamp(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		t, ok := a.Value.Any().(time.Time)
		if ok {
			a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z07:00"))
		}
	}
	return a
}
