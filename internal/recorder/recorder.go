// Package recorder journals alerts and played requests to rotating JSONL
// files.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/john/streambot/internal/metrics"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Entry is one journal line.
type Entry struct {
	Kind    string    `json:"kind"`
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`
	Data    any       `json:"data"`
}

// fileWriter manages a single JSONL file
type fileWriter struct {
	file         *os.File
	writer       *bufio.Writer
	createdAt    time.Time
	bytesWritten int64
	entryBuffer  []Entry
	kind         string
	filename     string
}

// Options configures a Recorder.
type Options struct {
	OutputDir       string
	Channel         string
	BufferSize      int
	RotateMinutes   int
	RotateMegabytes int
	Clock           clockwork.Clock
}

// Recorder handles buffering and writing journal entries to disk
type Recorder struct {
	outputDir       string
	channel         string
	bufferSize      int
	rotateAfter     time.Duration
	rotateMegabytes int64
	clock           clockwork.Clock
	logger          *zap.Logger
	metrics         *metrics.Metrics

	entries      chan Entry
	currentFiles map[string]*fileWriter // key: entry kind
	mu           sync.Mutex
}

// New creates a new recorder
func New(opts Options, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if opts.BufferSize < 1 {
		opts.BufferSize = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Recorder{
		outputDir:       opts.OutputDir,
		channel:         opts.Channel,
		bufferSize:      opts.BufferSize,
		rotateAfter:     time.Duration(opts.RotateMinutes) * time.Minute,
		rotateMegabytes: int64(opts.RotateMegabytes) * 1024 * 1024,
		clock:           opts.Clock,
		logger:          logger.Named("recorder"),
		metrics:         m,
		entries:         make(chan Entry, opts.BufferSize*4),
		currentFiles:    make(map[string]*fileWriter),
	}
}

// Record queues payload under kind. It never blocks and reports false when
// the entry was dropped.
func (r *Recorder) Record(kind string, payload any) bool {
	entry := Entry{Kind: kind, Channel: r.channel, At: r.clock.Now().UTC(), Data: payload}
	select {
	case r.entries <- entry:
		return true
	default:
		r.logger.Warn("Journal queue full, entry dropped", zap.String("kind", kind))
		return false
	}
}

// Start begins recording entries
func (r *Recorder) Start(ctx context.Context, fileChan chan<- string) error {
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// Set up ticker for rotation checks
	ticker := r.clock.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case entry := <-r.entries:
			if err := r.recordEntry(entry); err != nil {
				r.logger.Error("Error recording entry", zap.Error(err))
			}

		case <-ticker.Chan():
			r.checkRotation(fileChan)

		case <-ctx.Done():
			r.logger.Info("Recorder shutting down, flushing buffers")
			r.drain()
			r.flushAll(fileChan)
			return ctx.Err()
		}
	}
}

// drain records whatever is still queued.
func (r *Recorder) drain() {
	for {
		select {
		case entry := <-r.entries:
			if err := r.recordEntry(entry); err != nil {
				r.logger.Error("Error recording entry", zap.Error(err))
			}
		default:
			return
		}
	}
}

// recordEntry records a single entry
func (r *Recorder) recordEntry(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fw := r.currentFiles[entry.Kind]
	if fw == nil {
		var err error
		fw, err = r.createFileWriter(entry.Kind)
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.currentFiles[entry.Kind] = fw
	}

	fw.entryBuffer = append(fw.entryBuffer, entry)

	if len(fw.entryBuffer) >= r.bufferSize {
		if err := r.flushFileWriter(fw); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}

	return nil
}

// createFileWriter creates a new file writer
func (r *Recorder) createFileWriter(kind string) (*fileWriter, error) {
	now := r.clock.Now()
	filename := fmt.Sprintf("%s_%s_%s.jsonl", r.channel, kind, now.UTC().Format("20060102_150405"))
	path := filepath.Join(r.outputDir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	r.logger.Info("Created new journal file", zap.String("file", filename))

	return &fileWriter{
		file:        file,
		writer:      bufio.NewWriter(file),
		createdAt:   now,
		entryBuffer: make([]Entry, 0, r.bufferSize),
		kind:        kind,
		filename:    filename,
	}, nil
}

// flushFileWriter writes buffered entries to disk
func (r *Recorder) flushFileWriter(fw *fileWriter) error {
	for _, entry := range fw.entryBuffer {
		data, err := json.Marshal(entry)
		if err != nil {
			r.logger.Error("Error marshaling entry", zap.Error(err))
			continue
		}

		n, err := fw.writer.Write(data)
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		fw.bytesWritten += int64(n)

		if err := fw.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
		fw.bytesWritten++
		r.metrics.JournalWritten.Inc()
	}

	fw.entryBuffer = fw.entryBuffer[:0]

	return fw.writer.Flush()
}

// checkRotation checks if any files need rotation
func (r *Recorder) checkRotation(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, fw := range r.currentFiles {
		needsRotation := false

		if r.rotateAfter > 0 && r.clock.Since(fw.createdAt) >= r.rotateAfter {
			needsRotation = true
			r.logger.Info("Rotating file (time limit)", zap.String("file", fw.filename))
		}

		if r.rotateMegabytes > 0 && fw.bytesWritten >= r.rotateMegabytes {
			needsRotation = true
			r.logger.Info("Rotating file (size limit)", zap.String("file", fw.filename))
		}

		if needsRotation {
			r.rotateFile(key, fw, fileChan)
		}
	}
}

// rotateFile closes the current file and hands it to the uploader. The
// next entry of the same kind opens a fresh file.
func (r *Recorder) rotateFile(key string, fw *fileWriter, fileChan chan<- string) {
	r.closeFileWriter(fw)
	delete(r.currentFiles, key)

	path := filepath.Join(r.outputDir, fw.filename)
	select {
	case fileChan <- path:
		r.logger.Info("Queued file for upload", zap.String("file", fw.filename))
	default:
		r.logger.Warn("Upload queue full, file will be uploaded later", zap.String("file", fw.filename))
	}
}

func (r *Recorder) closeFileWriter(fw *fileWriter) {
	if err := r.flushFileWriter(fw); err != nil {
		r.logger.Error("Error flushing file writer", zap.Error(err))
	}
	if err := fw.file.Close(); err != nil {
		r.logger.Error("Error closing file", zap.Error(err))
	}
}

// flushAll flushes all file writers and closes files
func (r *Recorder) flushAll(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, fw := range r.currentFiles {
		r.rotateFile(key, fw, fileChan)
	}

	r.logger.Info("All journal files flushed and closed")
}
