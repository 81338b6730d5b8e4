// Package journal persists monetization session events as JSON lines,
// organized by date and by the site that initiated the stream.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry is one journaled session event.
type Entry struct {
	TimeMS        int64  `json:"timeMs"`
	TabID         int    `json:"tabId"`
	RequestID     string `json:"requestId"`
	Kind          string `json:"kind"`
	InitiatingURL string `json:"initiatingUrl,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Journal fans session events out to one async writer per site segment.
// Writers are created lazily on first event for a site.
type Journal struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	writers map[string]*writer
	mu      sync.RWMutex
}

// New creates a Journal rooted at baseDir. bufferSize bounds how many
// events may be queued per site before drops; maxSizeMB caps file size
// before rotation.
func New(baseDir string, bufferSize, maxSizeMB int) *Journal {
	return &Journal{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]*writer),
	}
}

// Record queues a session event for async persistence. The entry lands
// under baseDir/<date>/<site-segment>/events.jsonl, where the segment is
// derived from the entry's initiating URL.
func (j *Journal) Record(e Entry) error {
	if e.TimeMS == 0 {
		e.TimeMS = time.Now().UnixMilli()
	}
	return j.writerFor(SiteSegment(e.InitiatingURL)).write(e)
}

func (j *Journal) writerFor(segment string) *writer {
	j.mu.RLock()
	w, ok := j.writers[segment]
	j.mu.RUnlock()
	if ok {
		return w
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if w, ok := j.writers[segment]; ok {
		return w
	}
	w = newWriter(j.baseDir, segment, j.bufferSize, j.maxSizeMB)
	j.writers[segment] = w
	slog.Info("Opened session journal", "segment", segment)
	return w
}

// Close flushes and closes all writers.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var lastErr error
	for segment, w := range j.writers {
		if err := w.close(); err != nil {
			slog.Error("Failed to close journal writer",
				"segment", segment,
				"error", err)
			lastErr = err
		}
	}
	j.writers = make(map[string]*writer)
	return lastErr
}

// writer appends JSON lines for one site segment, rolling to a new
// directory when the UTC date changes.
type writer struct {
	baseDir   string
	segment   string
	maxSizeMB int
	writeCh   chan Entry
	done      chan struct{}
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

func newWriter(baseDir, segment string, bufferSize, maxSizeMB int) *writer {
	w := &writer{
		baseDir:   baseDir,
		segment:   segment,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Entry, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

func (w *writer) write(e Entry) error {
	select {
	case w.writeCh <- e:
		return nil
	case <-w.done:
		return fmt.Errorf("journal writer is closed")
	default:
		slog.Warn("Journal buffer full, dropping event",
			"segment", w.segment,
			"kind", e.Kind)
		return fmt.Errorf("buffer full")
	}
}

func (w *writer) close() error {
	close(w.done)

	// Drain remaining items with timeout
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-timeout:
			slog.Warn("Journal writer close timeout, some events may be lost",
				"segment", w.segment)
			goto done
		default:
			goto done
		}
	}

done:
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.writeCh:
			w.writeEntry(e)
		case <-w.done:
			return
		}
	}
}

func (w *writer) writeEntry(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to marshal journal entry",
			"error", err,
			"segment", w.segment)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	currentDate := time.Now().UTC().Format("2006-01-02")
	if currentDate != w.currentDate || w.logger == nil {
		w.rotateForDate(currentDate)
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write journal entry",
			"error", err,
			"segment", w.segment)
	}
}

func (w *writer) rotateForDate(date string) {
	if w.logger != nil {
		w.logger.Close()
	}

	dir := filepath.Join(w.baseDir, date, w.segment)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create journal directory",
			"error", err,
			"dir", dir)
		return
	}

	w.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "events.jsonl"),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false, // UTC
	}

	w.currentDate = date
	slog.Info("Opened new journal file",
		"file", w.logger.Filename,
		"segment", w.segment)
}
