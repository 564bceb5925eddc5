// Package logsink writes log lines to dated files under a directory. A new
// file starts at each local day boundary and, when SplitLines is set, every
// SplitLines lines within a day. Files are named 2006_01_02_<name> with a
// ".N" suffix for the N-th split of the day.
//
// With a positive QueueSize lines are handed to a single writer goroutine
// through a bounded queue; a line that finds the queue full is written
// synchronously by the caller instead of being dropped.
package logsink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/tinyhttpd/internal/blockqueue"
	"pkt.systems/tinyhttpd/internal/clock"
)

const dayLayout = "2006_01_02"

// Config describes where and how lines are written.
type Config struct {
	// Path is the log file path; its base name becomes the file suffix and
	// its directory the output directory.
	Path string
	// SplitLines caps the lines per file within a day. Zero disables splits.
	SplitLines int
	// QueueSize enables asynchronous writes when positive.
	QueueSize int
	// Clock supplies the time used for day rotation.
	Clock clock.Clock
}

// Sink is an io.Writer suitable as a structured logger's output.
type Sink struct {
	dir        string
	name       string
	splitLines int
	clk        clock.Clock

	fileMu sync.Mutex
	file   *os.File
	day    string
	lines  int
	part   int
	err    error

	queue   *blockqueue.Queue[[]byte]
	stateMu sync.Mutex
	drained *sync.Cond
	queued  uint64
	written uint64
	done    chan struct{}
	closed  bool
}

// Open creates the directory if needed and opens today's file.
func Open(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logsink: path required")
	}
	if cfg.SplitLines < 0 {
		return nil, fmt.Errorf("logsink: split lines must be >= 0 (got %d)", cfg.SplitLines)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	dir, name := filepath.Split(filepath.Clean(cfg.Path))
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logsink: create dir: %w", err)
	}
	s := &Sink{
		dir:        dir,
		name:       name,
		splitLines: cfg.SplitLines,
		clk:        cfg.Clock,
	}
	s.drained = sync.NewCond(&s.stateMu)
	s.fileMu.Lock()
	err := s.rotateLocked(s.clk.Now().Format(dayLayout), 0)
	s.fileMu.Unlock()
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize > 0 {
		s.queue = blockqueue.New[[]byte](cfg.QueueSize)
		s.done = make(chan struct{})
		go s.run()
	}
	return s, nil
}

// Write records one line. The bytes are copied before Write returns.
func (s *Sink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return 0, os.ErrClosed
	}
	if s.queue != nil {
		line := append([]byte(nil), p...)
		if s.queue.Push(line) {
			s.queued++
			s.stateMu.Unlock()
			return len(p), nil
		}
	}
	s.stateMu.Unlock()
	if err := s.writeLine(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		line, err := s.queue.Pop()
		if err != nil {
			return
		}
		_ = s.writeLine(line)
		s.stateMu.Lock()
		s.written++
		s.drained.Broadcast()
		s.stateMu.Unlock()
	}
}

func (s *Sink) writeLine(p []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	day := s.clk.Now().Format(dayLayout)
	switch {
	case day != s.day:
		if err := s.rotateLocked(day, 0); err != nil {
			return err
		}
	case s.splitLines > 0 && s.lines > 0 && s.lines%s.splitLines == 0:
		if err := s.rotateLocked(day, s.part+1); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(p); err != nil {
		s.recordLocked(fmt.Errorf("logsink: write %s: %w", s.file.Name(), err))
		return err
	}
	s.lines++
	return nil
}

// rotateLocked switches to the file for day and part. The line count resets
// only on a new day so splits keep counting within it.
func (s *Sink) rotateLocked(day string, part int) error {
	name := filepath.Join(s.dir, day+"_"+s.name)
	if part > 0 {
		name = fmt.Sprintf("%s.%d", name, part)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		err = fmt.Errorf("logsink: open %s: %w", name, err)
		s.recordLocked(err)
		return err
	}
	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil {
			s.recordLocked(fmt.Errorf("logsink: close %s: %w", s.file.Name(), cerr))
		}
	}
	if day != s.day {
		s.lines = 0
	}
	s.file = f
	s.day = day
	s.part = part
	return nil
}

func (s *Sink) recordLocked(err error) {
	if s.err == nil {
		s.err = err
	}
}

// CurrentFile returns the path lines are currently written to.
func (s *Sink) CurrentFile() string {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Flush waits until every queued line has been written and syncs the file.
func (s *Sink) Flush() error {
	s.stateMu.Lock()
	target := s.queued
	for s.written < target && !s.closed {
		s.drained.Wait()
	}
	s.stateMu.Unlock()
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close drains the queue, closes the file and returns the first write error
// seen during the sink's lifetime.
func (s *Sink) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.drained.Broadcast()
	s.stateMu.Unlock()
	if s.queue != nil {
		s.queue.Close()
		<-s.done
	}
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.recordLocked(err)
		}
		s.file = nil
	}
	return s.err
}
