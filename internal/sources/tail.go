package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"afo/internal/types"
)

// TailerOptions configure a FileTailer.
type TailerOptions struct {
	SourceName     string
	Path           string
	Parse          Parser
	Cursors        Cursors       // optional; nil disables persistence
	CoalesceWindow time.Duration // default 2s
	PollInterval   time.Duration // stat fallback, default 1s
	Logger         *zap.Logger
}

// FileTailer follows a log file, surviving rotation. Rotation is detected
// by inode change on the path; truncation by the file shrinking below the
// cursor. Identical repeat lines inside the coalesce window are suppressed
// after the first.
type FileTailer struct {
	opts TailerOptions

	file    *os.File
	info    os.FileInfo
	offset  int64
	partial []byte

	lastLine   string
	lastLineAt time.Time
	suppressed int
}

// NewFileTailer builds a tailer. The file does not need to exist yet.
func NewFileTailer(opts TailerOptions) *FileTailer {
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &FileTailer{opts: opts}
}

// Name implements Source.
func (t *FileTailer) Name() string { return t.opts.SourceName }

func (t *FileTailer) cursorKey() string { return "source:" + t.opts.SourceName + ":cursor" }

// Start implements Source.
func (t *FileTailer) Start(ctx context.Context) (<-chan types.SecurityEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: rotation replaces the file, and watching the
	// path itself would follow the renamed inode.
	if err := watcher.Add(filepath.Dir(t.opts.Path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(t.opts.Path), err)
	}

	if err := t.open(ctx, true); err != nil {
		t.opts.Logger.Warn("log file not yet readable, will retry",
			zap.String("path", t.opts.Path), zap.Error(err))
	}

	out := make(chan types.SecurityEvent, 64)
	go t.run(ctx, watcher, out)
	return out, nil
}

// open opens the file and positions the cursor. resume=true restores the
// persisted offset, clamped to the current size.
func (t *FileTailer) open(ctx context.Context, resume bool) error {
	f, err := os.Open(t.opts.Path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	offset := int64(0)
	if resume && t.opts.Cursors != nil {
		if v, ok, _ := t.opts.Cursors.GetStateValue(ctx, t.cursorKey()); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n <= info.Size() {
				offset = n
			}
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	if t.file != nil {
		t.file.Close()
	}
	t.file, t.info, t.offset, t.partial = f, info, offset, nil
	return nil
}

func (t *FileTailer) run(ctx context.Context, watcher *fsnotify.Watcher, out chan<- types.SecurityEvent) {
	defer close(out)
	defer watcher.Close()
	defer func() {
		if t.file != nil {
			t.file.Close()
		}
	}()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.persistCursor(context.Background())
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != t.opts.Path {
				continue
			}
			switch {
			case event.Op&fsnotify.Write != 0:
				t.drain(ctx, out)
			case event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0:
				t.reopenIfRotated(ctx)
				t.drain(ctx, out)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			t.opts.Logger.Warn("watch error", zap.String("source", t.opts.SourceName), zap.Error(err))
		case <-ticker.C:
			// Poll fallback covers missed notifications and files that
			// appear after startup.
			t.reopenIfRotated(ctx)
			t.drain(ctx, out)
			t.persistCursor(ctx)
		}
	}
}

// reopenIfRotated reopens the path when the inode changed or the file
// shrank below the cursor (copytruncate rotation).
func (t *FileTailer) reopenIfRotated(ctx context.Context) {
	info, err := os.Stat(t.opts.Path)
	if err != nil {
		return // gone; keep the old handle until a new file appears
	}
	if t.file == nil || !os.SameFile(t.info, info) || info.Size() < t.offset {
		from := "rotation"
		if t.file == nil {
			from = "initial open"
		}
		if err := t.open(ctx, false); err != nil {
			t.opts.Logger.Warn("reopen failed", zap.String("path", t.opts.Path), zap.Error(err))
			return
		}
		t.opts.Logger.Info("log file reopened",
			zap.String("source", t.opts.SourceName), zap.String("cause", from))
		t.persistCursor(ctx)
	}
}

// drain reads everything appended since the cursor and emits parsed events.
func (t *FileTailer) drain(ctx context.Context, out chan<- types.SecurityEvent) {
	if t.file == nil {
		return
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.partial = append(t.partial, buf[:n]...)
			for {
				nl := bytes.IndexByte(t.partial, '\n')
				if nl < 0 {
					break
				}
				line := strings.TrimRight(string(t.partial[:nl]), "\r")
				t.partial = t.partial[nl+1:]
				t.emit(ctx, line, out)
			}
		}
		if err != nil {
			return // EOF or read error; next notification resumes
		}
	}
}

func (t *FileTailer) emit(ctx context.Context, line string, out chan<- types.SecurityEvent) {
	if line == "" {
		return
	}
	now := time.Now()
	if line == t.lastLine && now.Sub(t.lastLineAt) < t.opts.CoalesceWindow {
		t.suppressed++
		return
	}
	if t.suppressed > 0 {
		t.opts.Logger.Debug("coalesced repeat lines",
			zap.String("source", t.opts.SourceName), zap.Int("suppressed", t.suppressed))
		t.suppressed = 0
	}
	t.lastLine, t.lastLineAt = line, now

	ev, ok := t.opts.Parse(line, now)
	if !ok {
		return
	}
	ev.SourceName = t.opts.SourceName
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (t *FileTailer) persistCursor(ctx context.Context) {
	if t.opts.Cursors == nil {
		return
	}
	if err := t.opts.Cursors.SetStateValue(ctx, t.cursorKey(), strconv.FormatInt(t.offset, 10)); err != nil {
		t.opts.Logger.Warn("cursor persist failed", zap.String("source", t.opts.SourceName), zap.Error(err))
	}
}
