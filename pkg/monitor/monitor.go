// Package monitor follows a log file in the background while a case triggers the
// behavior that is expected to write to it, e.g. a guest crash or a daemon restart.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotStarted = errors.New("monitor not started")
	ErrNoMatch    = errors.New("no line matched pattern")

	errAlreadyStarted = errors.New("monitor already started")
	errWatch          = errors.New("failed to watch log file")
	errReadLog        = errors.New("failed to read log file")
)

const defaultPollInterval = 500 * time.Millisecond

// Match is a line that matched one of the patterns.
type Match struct {
	Pattern string    `json:"pattern"`
	Line    string    `json:"line"`
	Time    time.Time `json:"time"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets how often the file is read when no event arrives.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.pollInterval = d
	}
}

// FromStart reads the existing content instead of starting at the end of the file.
func FromStart() Option {
	return func(m *Monitor) {
		m.fromStart = true
	}
}

type pattern struct {
	src string
	re  *regexp.Regexp
}

// Monitor follows a single file.
type Monitor struct {
	path         string
	patterns     []pattern
	pollInterval time.Duration
	fromStart    bool

	mu      sync.Mutex
	lines   []string
	matches []Match
	changed chan struct{}

	offset  int64
	partial []byte

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New returns a Monitor for path recording lines that match any of patterns.
func New(path string, patterns []string, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		path:         path,
		pollInterval: defaultPollInterval,
		changed:      make(chan struct{}),
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, pattern{src: p, re: re})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Path returns the followed file.
func (m *Monitor) Path() string {
	return m.path
}

// Start begins following the file. A file that does not exist yet is followed from
// its creation.
func (m *Monitor) Start(ctx context.Context) error {
	if m.g != nil {
		return errAlreadyStarted
	}

	if info, err := os.Stat(m.path); err == nil && !m.fromStart {
		m.offset = info.Size()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Join(err, errWatch)
	}
	// The directory is watched so that creation and rotation are seen.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return errors.Join(err, fmt.Errorf("path=%s", m.path), errWatch)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	m.g = g

	g.Go(func() error {
		defer watcher.Close()
		return m.follow(ctx, watcher)
	})

	slog.Debug("monitoring log file", "path", m.path, "offset", m.offset)
	return nil
}

func (m *Monitor) follow(ctx context.Context, watcher *fsnotify.Watcher) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if err := m.read(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			// Pick up what was written right before Stop.
			return m.read()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				m.reset()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Debug("fsnotify error, falling back to polling", "path", m.path, "error", err.Error())
		case <-ticker.C:
		}
	}
}

func (m *Monitor) reset() {
	m.offset = 0
	m.partial = nil
}

// read consumes everything appended since the last call.
func (m *Monitor) read() error {
	f, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", m.path), errReadLog)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", m.path), errReadLog)
	}
	if info.Size() < m.offset {
		// Truncated.
		m.reset()
	}
	if info.Size() == m.offset {
		return nil
	}

	if _, err := f.Seek(m.offset, io.SeekStart); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", m.path), errReadLog)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", m.path), errReadLog)
	}
	m.offset += int64(len(data))

	data = append(m.partial, data...)
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		m.partial = data
		return nil
	}
	m.partial = append([]byte(nil), data[last+1:]...)

	m.consume(string(data[:last]))
	return nil
}

func (m *Monitor) consume(chunk string) {
	now := time.Now()
	newLines := bytes.Split([]byte(chunk), []byte{'\n'})

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range newLines {
		line := string(bytes.TrimRight(b, "\r"))
		m.lines = append(m.lines, line)
		for _, p := range m.patterns {
			if p.re.MatchString(line) {
				m.matches = append(m.matches, Match{Pattern: p.src, Line: line, Time: now})
			}
		}
	}

	close(m.changed)
	m.changed = make(chan struct{})
}

// Lines returns the lines read so far.
func (m *Monitor) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

// Matches returns the matches recorded so far.
func (m *Monitor) Matches() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Match(nil), m.matches...)
}

// Wait blocks until a line read since Start matches expr, which does not need to be
// one of the registered patterns.
func (m *Monitor) Wait(ctx context.Context, expr string) (string, error) {
	if m.g == nil {
		return "", ErrNotStarted
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return "", err
	}

	seen := 0
	for {
		m.mu.Lock()
		lines := m.lines[seen:]
		changed := m.changed
		m.mu.Unlock()

		for _, l := range lines {
			if re.MatchString(l) {
				return l, nil
			}
		}
		seen += len(lines)

		select {
		case <-ctx.Done():
			return "", errors.Join(ctx.Err(), fmt.Errorf("pattern=%q path=%s", expr, m.path), ErrNoMatch)
		case <-changed:
		}
	}
}

// Stop stops following the file and returns every match.
func (m *Monitor) Stop() ([]Match, error) {
	if m.g == nil {
		return nil, ErrNotStarted
	}
	m.cancel()
	err := m.g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return m.Matches(), err
}
