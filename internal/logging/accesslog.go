package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AccessLog appends one line per served request in the exact pipe-delimited
// format spec.md §6 specifies: `<localtime>|<pid>|<client>|<status>|<size>|<basename>`.
// Writes are serialized under a mutex, matching spec.md §5's "line-atomic,
// exclusive lock around the append" requirement for the shared log handle.
type AccessLog struct {
	mu  sync.Mutex
	out io.WriteCloser
	pid int
}

// NewAccessLog opens (creating if necessary) the access log file under
// logDir. Rotation is the external cleanup collaborator's responsibility
// (spec.md §1 non-goal); this just appends.
func NewAccessLog(logDir string) (*AccessLog, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: creating log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "access.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: opening access log: %w", err)
	}
	return &AccessLog{out: f, pid: os.Getpid()}, nil
}

// Log appends one access-log line for a completed request.
func (a *AccessLog) Log(client, status, basename string, size int64) {
	line := fmt.Sprintf("%s|%d|%s|%s|%d|%s\n",
		time.Now().Format("2006-01-02 15:04:05"), a.pid, client, status, size, basename)

	a.mu.Lock()
	defer a.mu.Unlock()
	io.WriteString(a.out, line)
}

// Close closes the underlying file handle.
func (a *AccessLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}
