// Package audit writes the SQL audit log and the connection status
// lines. The SQL log is an append-only file with one line per observed
// Simple Query; status lines go to standard output.
package audit

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pgtrace/pgtrace/internal/pgwire"
)

const timeLayout = "2006-01-02 15:04:05"

// Endpoint identifies the remote peer of a client socket. Captured at
// accept time and never mutated.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Logger is the audit sink pair: the SQL log file and the status-line
// writer. Methods are safe to call from the reactor goroutine while the
// rotation watcher reopens the file from its own goroutine.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string

	status io.Writer
	dbAddr string

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New opens (or creates) the SQL log file in append mode and starts the
// rotation watcher. Failure to open the file is fatal and returned to
// the caller. dbHost/dbPort appear in the status lines.
func New(path, dbHost string, dbPort int) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}

	l := &Logger{
		file:   f,
		path:   path,
		status: os.Stdout,
		dbAddr: fmt.Sprintf("%s:%d", dbHost, dbPort),
		stopCh: make(chan struct{}),
	}

	// Rotation support: when logrotate renames or removes the file,
	// reopen the configured path. Watch failures degrade to a plain
	// append-only file, never to a startup error.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[audit] rotation watch unavailable: %v", err)
		return l, nil
	}
	if err := w.Add(path); err != nil {
		log.Printf("[audit] cannot watch %s: %v", path, err)
		w.Close()
		return l, nil
	}
	l.watcher = w
	l.wg.Add(1)
	go l.watchRotation()

	return l, nil
}

func (l *Logger) watchRotation() {
	defer l.wg.Done()
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				l.reopen()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[audit] watcher error: %v", err)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Logger) reopen() {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("[audit] reopen after rotation failed: %v", err)
		return
	}
	l.file.Close()
	l.file = f
	log.Printf("[audit] log file reopened after rotation")

	// The watch follows the old inode across a rename; re-add the path.
	l.watcher.Remove(l.path)
	if err := l.watcher.Add(l.path); err != nil {
		log.Printf("[audit] cannot re-watch %s: %v", l.path, err)
	}
}

// Save inspects a just-received client chunk and appends one log line
// per complete Query frame at its head. Non-Query chunks are ignored.
// Each line: "[YYYY-MM-DD HH:MM:SS] [client: <ip>:<port>] <sql>".
// Returns the number of lines written. Writes are best effort: short
// writes are not retried.
func (l *Logger) Save(ep Endpoint, chunk []byte) int {
	if !pgwire.IsQueryFrame(chunk) {
		return 0
	}
	texts := pgwire.QueryTexts(chunk)
	if len(texts) == 0 {
		return 0
	}

	stamp := time.Now().Format(timeLayout)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sql := range texts {
		fmt.Fprintf(l.file, "[%s] [client: %s] %s\n", stamp, ep, sql)
	}
	return len(texts)
}

// SetStatusWriter redirects status lines away from standard output.
func (l *Logger) SetStatusWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = w
}

// ConnectionOpened emits the open status line.
func (l *Logger) ConnectionOpened(ep Endpoint) {
	l.statusLine("open", ep)
}

// ConnectionClosed emits the close status line.
func (l *Logger) ConnectionClosed(ep Endpoint) {
	l.statusLine("closed", ep)
}

func (l *Logger) statusLine(state string, ep Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.status, "[%s] Connection %s: client %s -> pgsql server %s\n",
		time.Now().Format(timeLayout), state, ep, l.dbAddr)
}

// Close stops the rotation watcher and closes the log file.
func (l *Logger) Close() error {
	close(l.stopCh)
	if l.watcher != nil {
		l.watcher.Close()
	}
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
