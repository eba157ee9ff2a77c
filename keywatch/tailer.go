package keywatch

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"tls-keytap/keylog"
	"tls-keytap/shared"
)

// Config configures a Tailer.
type Config struct {
	Path    string         // key log file to follow
	Replay  bool           // deliver lines already in the file on start
	Logger  *shared.Logger // nil means silent
	Handler func(Record)   // receives every parsed record
}

// Tailer follows a key log file and hands every complete record to its
// handler. The file does not have to exist yet; it is picked up on
// creation. A shrunken file is treated as truncation and the tail
// restarts from the beginning.
type Tailer struct {
	path    string
	replay  bool
	log     *shared.Logger
	handler func(Record)

	offset int64
	carry  []byte
}

// NewTailer builds a tailer from cfg.
func NewTailer(cfg Config) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, errors.New("keywatch: path is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("keywatch: handler is required")
	}
	t := &Tailer{
		path:    cfg.Path,
		replay:  cfg.Replay,
		log:     cfg.Logger,
		handler: cfg.Handler,
	}
	if t.log == nil {
		t.log = shared.NopLogger()
	}
	return t, nil
}

// Run follows the file until ctx is canceled. The watch is placed on
// the directory rather than the file itself, so rotations and
// recreations do not silently detach it.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keywatch: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("keywatch: watch %s: %w", dir, err)
	}

	// Position at the current end unless replaying history.
	if !t.replay {
		if info, err := os.Stat(t.path); err == nil {
			t.offset = info.Size()
		}
	}
	t.drain()

	t.log.InfoIf("tailing key log",
		zap.String("path", t.path),
		zap.Bool("replay", t.replay))

	base := filepath.Base(t.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			t.drain()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.log.WarnIf("key log watcher error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}

// drain reads from the saved offset to the end of the file and emits
// every complete line, carrying partial writes over to the next round.
func (t *Tailer) drain() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		t.log.DebugIf("key log truncated, restarting tail",
			zap.String("path", t.path))
		t.offset = 0
		t.carry = t.carry[:0]
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.log.WarnIf("key log read failed", zap.Error(err))
		return
	}
	t.offset += int64(len(data))

	t.carry = append(t.carry, data...)
	for {
		i := bytes.IndexByte(t.carry, '\n')
		if i < 0 {
			return
		}
		line := string(t.carry[:i])
		t.carry = t.carry[i+1:]
		t.emit(line)
	}
}

// emit parses one line and delivers it. Blank lines, comments and
// anything else that does not parse is skipped; hand-edited key logs
// contain all three.
func (t *Tailer) emit(line string) {
	label, clientRandom, secret, err := keylog.ParseLine(line)
	if err != nil {
		return
	}
	t.handler(Record{
		Label:        label,
		ClientRandom: hex.EncodeToString(clientRandom),
		Secret:       hex.EncodeToString(secret),
	})
}
