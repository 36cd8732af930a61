package supervisor

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// LogEntry is one line captured from a child process.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
	Message   string    `json:"message"`
	PID       int       `json:"pid"`
}

// LogBuffer keeps a bounded window of recent output from one instance.
// Entries carry monotonically increasing IDs so clients can poll for lines
// newer than the last one they saw.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	nextID   int64
}

func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:  make([]LogEntry, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends one line, evicting the oldest when full.
func (lb *LogBuffer) Add(source, message string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Source:    source,
		Message:   message,
		PID:       pid,
	})
	lb.nextID++
}

// Latest returns up to count entries, oldest first.
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}
	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}
	out := make([]LogEntry, len(lb.entries)-start)
	copy(out, lb.entries[start:])
	return out
}

// Since returns all entries with an ID greater than fromID, oldest first.
func (lb *LogBuffer) Since(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	out := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			out = append(out, entry)
		}
	}
	return out
}

// capture drains a child's output stream into the buffer line by line. It
// returns when the stream closes, which happens when the child exits.
func (lb *LogBuffer) capture(r io.Reader, source string, pid int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		lb.Add(source, scanner.Text(), pid)
	}
}
