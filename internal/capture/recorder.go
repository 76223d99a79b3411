package capture

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muurk/dps150/internal/logging"
	"github.com/muurk/dps150/internal/protocol"
)

// Extension is the file extension of capture files.
const Extension = ".dpscap"

// FileName returns a fresh capture path in dir, named after the start time.
func FileName(dir string, at time.Time) string {
	return filepath.Join(dir, "dps150-"+at.UTC().Format("20060102T150405Z")+Extension)
}

// Recorder appends frames to a capture stream. Its Hook method plugs into
// dispatcher.Config.FrameHook. It is safe for concurrent use.
type Recorder struct {
	w       io.Writer
	closer  io.Closer
	encoder *cbor.Encoder
	session string
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	count  int
	closed bool
}

// NewRecorder creates a Recorder writing to w under a new session ID.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		w:       w,
		encoder: NewEncoder(w),
		session: uuid.NewString(),
		log:     logging.Named("capture"),
		now:     time.Now,
	}
}

// Create opens path for appending and returns a Recorder writing to it. The
// file is created with permissions 0644 if it doesn't exist.
func Create(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	r := NewRecorder(f)
	r.closer = f
	r.log.Info("Capturing frames", zap.String("path", path), zap.String("session", r.session))
	return r, nil
}

// Session returns the session ID stamped on every record.
func (r *Recorder) Session() string { return r.session }

// Count returns the number of records written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Hook records f. Encoding errors are logged, never returned, so capture
// cannot disturb the connection.
func (r *Recorder) Hook(f protocol.Frame) {
	if err := r.Write(RecordFrame(r.session, r.now(), f)); err != nil {
		r.log.Warn("Dropping capture record", zap.Error(err))
	}
}

// Write appends rec. Writes after Close are silently ignored.
func (r *Recorder) Write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if err := r.encoder.Encode(rec); err != nil {
		return err
	}
	r.count++
	return nil
}

// Close closes the underlying file, if the Recorder opened one. It is safe to
// call Close multiple times.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
