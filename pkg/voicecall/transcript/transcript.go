package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// Entry is one utterance. Entries are values; a Log never hands out
// references into its storage.
type Entry struct {
	Role    Role          `json:"role"`
	Text    string        `json:"text"`
	At      time.Time     `json:"at"`
	Elapsed time.Duration `json:"elapsed"`
}

// Label formats Elapsed as m:ss.
func (e Entry) Label() string {
	secs := int(e.Elapsed / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// Log is an append-only, arrival-ordered transcript.
type Log struct {
	mu      sync.Mutex
	start   time.Time
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

// MarkStart sets the reference time for Elapsed labels on later entries.
func (l *Log) MarkStart(t time.Time) {
	l.mu.Lock()
	l.start = t
	l.mu.Unlock()
}

func (l *Log) Append(role Role, text string, at time.Time) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{Role: role, Text: text, At: at}
	if !l.start.IsZero() && at.After(l.start) {
		e.Elapsed = at.Sub(l.start)
	}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of the log in arrival order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Format renders entries as "[m:ss] Role: text" lines.
func Format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		speaker := "User"
		if e.Role == RoleAgent {
			speaker = "Agent"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Label(), speaker, strings.TrimSpace(e.Text))
	}
	return b.String()
}
