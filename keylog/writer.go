package keylog

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EnvFile names the environment variable that enables key logging.
// When it is unset the writer is a permanent no-op.
const EnvFile = "SSLKEYLOGFILE"

// Writer appends key log lines to a file. Every line goes out in a
// single Write call on an O_APPEND descriptor, so records from
// concurrent handshakes interleave without tearing and external
// tailers never observe a partial line. The zero value is a disabled
// writer.
type Writer struct {
	f       *os.File
	log     *zap.Logger
	records atomic.Uint64
	dropped atomic.Uint64
	once    sync.Once
}

// OpenFromEnv opens the file named by SSLKEYLOGFILE. An unset variable
// or an unopenable path yields a disabled writer, never an error: key
// capture is opt-in and must not take the host down.
func OpenFromEnv(log *zap.Logger) *Writer {
	return Open(os.Getenv(EnvFile), log)
}

// Open opens path for appending, creating it with 0644 if needed. An
// empty path yields a disabled writer.
func Open(path string, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	if path == "" {
		return &Writer{log: log}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		log.Warn("key log file not writable, capture disabled",
			zap.String("path", path),
			zap.Error(err))
		return &Writer{log: log}
	}
	return &Writer{f: f, log: log}
}

// Enabled reports whether lines have somewhere to go.
func (w *Writer) Enabled() bool {
	return w.f != nil
}

// WriteRecord appends one CLIENT_RANDOM record. A missing field means
// the secrets were not available and the record is silently skipped;
// an overlong field is a caller bug and is reported, not truncated.
func (w *Writer) WriteRecord(clientRandom, secret []byte) error {
	if w.f == nil {
		return nil
	}
	if len(clientRandom) == 0 || len(secret) == 0 {
		return nil
	}
	var buf [MaxRecordSize]byte
	n, err := FormatRecord(buf[:], clientRandom, secret)
	if err != nil {
		w.dropped.Add(1)
		return err
	}
	w.write(buf[:n])
	return nil
}

// WriteLine appends one already-formatted line, adding the trailing
// newline the callback convention leaves off.
func (w *Writer) WriteLine(line string) error {
	if w.f == nil || line == "" {
		return nil
	}
	if len(line)+1 > MaxLineSize {
		w.dropped.Add(1)
		return ErrLineTooLong
	}
	var buf [MaxLineSize]byte
	n := copy(buf[:], line)
	buf[n] = '\n'
	n++
	w.write(buf[:n])
	return nil
}

// write is best effort: a failed write is dropped, counted and
// debug-logged, and never surfaces to the handshake path.
func (w *Writer) write(b []byte) {
	if _, err := w.f.Write(b); err != nil {
		w.dropped.Add(1)
		w.log.Debug("key log write failed", zap.Error(err))
		return
	}
	w.records.Add(1)
}

// Records returns the number of lines written so far.
func (w *Writer) Records() uint64 {
	return w.records.Load()
}

// Dropped returns the number of lines lost to errors.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close releases the file. Safe to call more than once. The field is
// left in place so a write racing the shutdown fails soft inside
// os.File instead of tearing down the process.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		if w.f != nil {
			err = w.f.Close()
		}
	})
	return err
}
