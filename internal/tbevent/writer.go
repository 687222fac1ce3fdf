package tbevent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
)

var fileCounter atomic.Int64

// Writer appends scalar events to a new event file.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

// NewWriter creates dir if needed and opens a fresh event file in it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "tbevent: create %s", dir)
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	name := fmt.Sprintf("events.out.tfevents.%d.%s.%d.%d", time.Now().Unix(), host, os.Getpid(), fileCounter.Add(1))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "tbevent: create %s", path)
	}
	w := &Writer{f: f, path: path, now: time.Now}
	if err := w.write(encodeFileVersion(w.wallTime())); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the event file path.
func (w *Writer) Path() string { return w.path }

// AddScalar records value for tag at step as a simple_value summary. The
// event format stores simple_value as a float32, so value reads back as
// float64(float32(value)); use AddTensorScalar to keep full precision.
func (w *Writer) AddScalar(tag string, step int64, value float64) error {
	return w.write(encodeScalarEvent(tag, ScalarEvent{WallTime: w.wallTime(), Step: step, Value: value}))
}

// AddTensorScalar records value for tag at step as a scalars-plugin double
// tensor, which keeps the full float64 value.
func (w *Writer) AddTensorScalar(tag string, step int64, value float64) error {
	return w.write(encodeTensorScalarEvent(tag, ScalarEvent{WallTime: w.wallTime(), Step: step, Value: value}))
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return eris.Wrap(err, "tbevent: sync")
	}
	return w.f.Close()
}

func (w *Writer) wallTime() float64 {
	return float64(w.now().UnixNano()) / 1e9
}

func (w *Writer) write(event []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(appendRecord(nil, event)); err != nil {
		return eris.Wrapf(err, "tbevent: write %s", w.path)
	}
	return nil
}
