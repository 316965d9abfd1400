// Package heardlog maintains a rotating CSV log of every station heard
// directly over the air, independent of the routing table. The routing
// table only remembers stations that are neighbors or destinations; this
// records everything decoded, in the MHEARD tradition.
package heardlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// dailyPattern names one file per UTC day within Dir.
const dailyPattern = "%Y%m%d.log"

// Log appends one CSV row per heard station to a daily-named file under Dir.
// Unlike the routing table (which only remembers stations that are also
// neighbors or destinations), every decoded AX.25 source is recorded here.
type Log struct {
	dir string
	log *log.Logger

	mu      sync.Mutex
	curDay  string
	file    *os.File
	writer  *csv.Writer
	nowFunc func() time.Time
}

// New constructs a Log writing daily CSV files under dir. An empty dir
// disables the feature.
func New(dir string) *Log {
	return &Log{dir: dir, log: log.With("component", "heardlog"), nowFunc: time.Now}
}

// Record appends a row for a station heard directly over the air on port,
// with its signal quality if known (0-255, or -1 if not applicable).
func (l *Log) Record(station callsign.Call, port int, quality int) {
	if l.dir == "" {
		return
	}
	now := l.nowFunc()
	w, err := l.writerFor(now)
	if err != nil {
		l.log.Warn("failed to open heard log", "err", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	row := []string{
		now.UTC().Format(time.RFC3339),
		station.String(),
		fmt.Sprintf("%d", port),
		fmt.Sprintf("%d", quality),
	}
	if err := w.Write(row); err != nil {
		l.log.Warn("failed to write heard log row", "err", err)
		return
	}
	w.Flush()
}

// writerFor returns the csv.Writer for now's UTC day, rotating to a new
// file when the day has changed.
func (l *Log) writerFor(now time.Time) (*csv.Writer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	name, err := strftime.Format(dailyPattern, now.UTC())
	if err != nil {
		return nil, err
	}
	if name == l.curDay && l.writer != nil {
		return l.writer, nil
	}

	if l.file != nil {
		l.writer.Flush()
		l.file.Close()
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.curDay = name
	l.file = f
	l.writer = csv.NewWriter(f)
	return l.writer, nil
}

// Close flushes and closes the currently open log file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	err := l.file.Close()
	l.file = nil
	l.writer = nil
	return err
}
