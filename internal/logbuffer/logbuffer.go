// Package logbuffer keeps the most recent log lines in memory for the
// /api/logs endpoint.
package logbuffer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a thread-safe ring buffer of log entries. It implements
// io.Writer and expects one zerolog JSON event per Write.
type Buffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// New creates a buffer holding at most size entries.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := parse(strings.TrimRight(string(p), "\n"))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	return len(p), nil
}

// Entries returns all entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	start := 0
	if b.count == b.size {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.size]
	}
	return result
}

// Recent returns the newest n entries, oldest first. A level filters out
// entries below it.
func (b *Buffer) Recent(n int, minLevel string) []Entry {
	entries := b.Entries()
	if min, err := zerolog.ParseLevel(minLevel); err == nil && minLevel != "" {
		filtered := entries[:0:0]
		for _, e := range entries {
			if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl >= min {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Clear drops all entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

func parse(raw string) Entry {
	entry := Entry{Timestamp: time.Now(), Level: "info", Message: raw, Raw: raw}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return entry
	}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok {
		entry.Level = v
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = v
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.Timestamp = ts
		}
	}
	return entry
}
