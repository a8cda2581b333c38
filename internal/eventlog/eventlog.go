// Package eventlog keeps the durable, replayable narrative of each job as one
// JSON object per line in <dir>/<jobID>.log, and fans new entries out to live
// subscribers.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	fileExt = ".log"
	// subscriberBuffer is how many live events a slow observer may lag
	// behind before it starts missing them. The file keeps everything.
	subscriberBuffer = 256
	writerStripes    = 64
)

var ErrInvalidJobID = errors.New("invalid job id")

// Event is one entry of a job's narrative.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	IsError   bool      `json:"is_error"`
	Progress  *int      `json:"progress,omitempty"`
}

// Progress returns a pointer suitable for Event.Progress.
func Progress(p int) *int {
	return &p
}

// Log is safe for concurrent use by many jobs.
type Log struct {
	dir string

	// mu guards subs only. File I/O happens under the job's writer stripe
	// so a slow write holds up only the jobs sharing that stripe.
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	writers [writerStripes]sync.Mutex
	nowFn   func() time.Time
	writeF func(path string, line []byte) error
}

// New creates dir if needed.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Log{
		dir:    dir,
		subs:    make(map[string]map[*Subscription]struct{}),
		nowFn:   time.Now,
		writeF:  appendLine,
	}, nil
}

func (l *Log) Dir() string { return l.dir }

// ValidJobID reports whether id can name a log file.
func ValidJobID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}

func (l *Log) path(jobID string) string {
	return filepath.Join(l.dir, jobID+fileExt)
}

// Append records ev for jobID and publishes it to subscribers. A zero
// timestamp is filled in. Write failures are logged, not returned; callers
// never wait on them.
func (l *Log) Append(jobID string, ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.nowFn().UTC()
	}
	if !ValidJobID(jobID) {
		log.WithField("jobID", jobID).Warn("Dropping event for invalid job id")
		return ev
	}
	line, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).WithField("jobID", jobID).Error("Failed to encode event")
		return ev
	}

	w := l.writer(jobID)
	w.Lock()
	defer w.Unlock()
	if err := l.writeF(l.path(jobID), line); err != nil {
		log.WithError(err).WithField("jobID", jobID).Error("Log write error")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
	return ev
}

// writer returns the lock that orders jobID's writes and deliveries.
func (l *Log) writer(jobID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return &l.writers[h.Sum32()%writerStripes]
}

// Info appends a plain informational message.
func (l *Log) Info(jobID, format string, args ...any) {
	l.Append(jobID, Event{Message: fmt.Sprintf(format, args...)})
}

// Error appends a message flagged as an error.
func (l *Log) Error(jobID, format string, args ...any) {
	l.Append(jobID, Event{Message: fmt.Sprintf(format, args...), IsError: true})
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether a log file exists for jobID.
func (l *Log) Exists(jobID string) bool {
	if !ValidJobID(jobID) {
		return false
	}
	_, err := os.Stat(l.path(jobID))
	return err == nil
}

// ReadAll returns every event written for jobID in write order. A missing
// file yields an empty slice. Lines that do not decode are skipped.
func (l *Log) ReadAll(jobID string) ([]Event, error) {
	if !ValidJobID(jobID) {
		return nil, ErrInvalidJobID
	}
	data, err := os.ReadFile(l.path(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	events := []Event{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), len(data)+1)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// Subscription receives events appended after it was created.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	log     *Log
	jobID   string
	once    sync.Once
	dropped int
}

// Subscribe starts delivering jobID's new events. C is closed by Close.
func (l *Log) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, log: l, jobID: jobID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[jobID] == nil {
		l.subs[jobID] = make(map[*Subscription]struct{})
	}
	l.subs[jobID][sub] = struct{}{}
	return sub
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		if subs := s.log.subs[s.jobID]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.log.subs, s.jobID)
			}
		}
		if s.dropped > 0 {
			log.WithFields(log.Fields{"jobID": s.jobID, "dropped": s.dropped}).Warn("Live observer fell behind; events remain in the log file")
		}
		close(s.ch)
	})
}

// Cleanup deletes log files last modified more than maxAge ago and returns
// how many were removed. Files of other extensions are left alone.
func (l *Log) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := l.nowFn().Add(-maxAge)
	deleted := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil {
				errs = append(errs, err)
				continue
			}
			deleted++
			log.Debugf("Deleted old log: %s", e.Name())
		}
	}
	return deleted, errors.Join(errs...)
}
