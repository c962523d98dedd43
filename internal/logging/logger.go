// Package logging configures the shared logrus logger Pollux's actors and
// pipelines write through, and carries a request ID across context
// boundaries so related log lines can be correlated.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pollux-proxy/pollux/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Formatter renders one log entry per line:
// [2026-07-31 10:14:04] [a1b2c3d4] [info ] [client.go:88] message provider=codex
type Formatter struct{}

var fieldOrder = []string{"provider", "credential_id", "model", "status", "kind", "error"}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var buf *bytes.Buffer
	if entry.Buffer != nil {
		buf = entry.Buffer
	} else {
		buf = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	var fields []string
	for _, k := range fieldOrder {
		if v, ok := entry.Data[k]; ok {
			fields = append(fields, fmt.Sprintf("%s=%v", k, v))
		}
	}
	if len(fields) > 0 {
		fieldsStr = " " + strings.Join(fields, " ")
	}

	var line string
	if entry.Caller != nil {
		line = fmt.Sprintf("[%s] [%s] [%s] [%s:%d] %s%s\n", timestamp, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		line = fmt.Sprintf("[%s] [%s] [%s] %s%s\n", timestamp, reqID, levelStr, message, fieldsStr)
	}
	buf.WriteString(line)
	return buf.Bytes(), nil
}

// Setup configures the shared logrus instance. Safe to call more than once;
// initialization happens only on the first call.
func Setup() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
	})
}

// ConfigureOutput switches the global log destination to a rotating file
// under dir, or back to stdout when dir is empty.
func ConfigureOutput(dir string) error {
	Setup()

	writerMu.Lock()
	defer writerMu.Unlock()

	if dir == "" {
		if logWriter != nil {
			_ = logWriter.Close()
			logWriter = nil
		}
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	if logWriter != nil {
		_ = logWriter.Close()
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "pollux.log"),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     0,
		Compress:   false,
	}
	log.SetOutput(logWriter)
	return nil
}

// ResolveLogDirectory returns the directory log files should rotate into,
// or "" (stdout) when toFile is false. cfg is reserved for a future
// per-deployment override.
func ResolveLogDirectory(cfg *config.Config, toFile bool) string {
	_ = cfg
	if !toFile {
		return ""
	}
	return "logs"
}
