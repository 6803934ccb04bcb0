// Package logging sets up the global CLI logger and per-session
// structured loggers. The teacher (greenlight-cli) logs to a file with
// stdlib log so it never pollutes a terminal that may be in raw mode
// (main.go); we keep that rationale but switch to logrus so a Session's
// log stream can carry structured fields (session_id, host_id,
// platform) instead of being baked into a format string.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// New opens (or creates) the log file at path and returns a logrus
// logger writing to it. If path is empty, a per-PID file under
// os.TempDir is used, mirroring main.go's GREENLIGHT_LOG fallback.
func New(path string) (*logrus.Logger, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("pwncat-%d.log", os.Getpid()))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l, nil
}

// NewDiscard returns a logger that writes nowhere, for tests.
func NewDiscard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ForSession returns a per-session entry carrying the fields every log
// line from this session's Channel/Platform/modules should include.
func ForSession(base *logrus.Logger, sessionID int64, hostID, platform string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"session_id": sessionID,
		"host_id":    hostID,
		"platform":   platform,
	})
}
