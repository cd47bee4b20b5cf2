package inputfeed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchSource tails a text file and pushes each newly appended line into a
// feed. The file is a drop box: an operator (or another tool) appends a
// line, and it becomes steering input for the running turn.
type WatchSource struct {
	feed    *Feed
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	path    string
	source  string
	offset  int64
	done    chan struct{}
}

// Watch starts tailing path into feed. Lines already present in the file
// are skipped; only appends after Watch are delivered. Cancel ctx or call
// Stop to release the watcher.
func Watch(ctx context.Context, feed *Feed, path string, logger *slog.Logger) (*WatchSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory, not the file: editors and atomic writers
	// replace the file inode, which silently detaches a file watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	ws := &WatchSource{
		feed:    feed,
		watcher: watcher,
		logger:  logger,
		path:    path,
		source:  "file:" + filepath.Base(path),
		offset:  offset,
		done:    make(chan struct{}),
	}
	go ws.run(ctx)
	return ws, nil
}

// Stop releases the watcher. Idempotent.
func (ws *WatchSource) Stop() {
	ws.watcher.Close()
	<-ws.done
}

func (ws *WatchSource) run(ctx context.Context) {
	defer close(ws.done)
	for {
		select {
		case <-ctx.Done():
			ws.watcher.Close()
			return
		case event, ok := <-ws.watcher.Events:
			if !ok {
				return
			}
			if event.Name != ws.path {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				ws.drain()
			}
		case err, ok := <-ws.watcher.Errors:
			if !ok {
				return
			}
			ws.logger.Warn("file watch error", "path", ws.path, "error", err)
		}
	}
}

// drain reads lines appended since the last offset and pushes them.
func (ws *WatchSource) drain() {
	f, err := os.Open(ws.path)
	if err != nil {
		ws.logger.Warn("cannot open watched file", "path", ws.path, "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < ws.offset {
		// Truncated or replaced: start over from the top.
		ws.offset = 0
	}
	if _, err := f.Seek(ws.offset, 0); err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		ws.offset += int64(len(scanner.Bytes())) + 1
		if line == "" {
			continue
		}
		if err := ws.feed.Push(ws.source, line); err != nil {
			return
		}
	}
}
