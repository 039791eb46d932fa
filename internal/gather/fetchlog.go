package gather

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fetchLogName = ".fetched"

// fetchLog records which symbols have been downloaded through an end date,
// so an interrupted fetch resumes where it stopped. The file's first line
// is the end date; each following line is a finished symbol. Opening the
// log for a different end date starts it over.
type fetchLog struct {
	mu     sync.Mutex
	path   string
	end    string
	done   map[string]struct{}
	file   *os.File
	writer *bufio.Writer
}

// openFetchLog opens or creates the log under dir for end.
func openFetchLog(dir, end string) (*fetchLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating fetch dir: %w", err)
	}
	l := &fetchLog{
		path: filepath.Join(dir, fetchLogName),
		end:  end,
		done: make(map[string]struct{}),
	}

	resume := false
	if data, err := os.ReadFile(l.path); err == nil {
		lines := strings.Split(string(data), "\n")
		if strings.TrimSpace(lines[0]) == end {
			resume = true
			for _, line := range lines[1:] {
				if sym := strings.TrimSpace(line); sym != "" {
					l.done[sym] = struct{}{}
				}
			}
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(l.path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", fetchLogName, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	if !resume {
		if _, err := l.writer.WriteString(end + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing %s: %w", fetchLogName, err)
		}
		if err := l.writer.Flush(); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing %s: %w", fetchLogName, err)
		}
	}
	return l, nil
}

// Done reports whether symbol was already fetched through the end date.
func (l *fetchLog) Done(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[symbol]
	return ok
}

// Mark records symbols as fetched.
func (l *fetchLog) Mark(symbols []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := l.done[sym]; ok {
			continue
		}
		l.done[sym] = struct{}{}
		if _, err := l.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", fetchLogName, err)
		}
	}
	return l.writer.Flush()
}

// Close flushes and closes the log file.
func (l *fetchLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
