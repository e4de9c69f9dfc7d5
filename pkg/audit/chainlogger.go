package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Sequence     uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Event is a committed credit mutation.
type Event struct {
	Action        string `json:"action"`
	AccountID     string `json:"account_id"`
	ReservationID string `json:"reservation_id,omitempty"`
	GrantID       string `json:"grant_id,omitempty"`
	Amount        int64  `json:"amount"`
	Refunded      int64  `json:"refunded,omitempty"`
	Balance       int64  `json:"balance"`
	Status        string `json:"status,omitempty"`
	Actor         string `json:"actor,omitempty"`
	Route         string `json:"route,omitempty"`
}

const (
	ActionReservationOpened  = "reservation.opened"
	ActionReservationSettled = "reservation.settled"
	ActionReservationExpired = "reservation.expired"
	ActionGrantApplied       = "grant.applied"
	ActionAccessDenied       = "access.denied"
)

// ChainLogger provides a tamper-evident log using hash chaining. Entries are
// optionally streamed as JSON lines to a sink.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	seq          uint64
	sink         io.Writer
	now          func() time.Time
}

var genesisHash = strings.Repeat("0", 64)

// NewChainLogger creates a ChainLogger starting from the zero hash. sink may be nil.
func NewChainLogger(sink io.Writer) *ChainLogger {
	return &ChainLogger{
		previousHash: genesisHash,
		sink:         sink,
		now:          time.Now,
	}
}

// Resume continues an existing chain after its last entry.
func (c *ChainLogger) Resume(last *LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last == nil {
		return
	}
	c.previousHash = last.Hash
	c.seq = last.Sequence
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(payload string) (*LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &LogEntry{
		Sequence:     c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.sink != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return entry, err
		}
		if _, err := c.sink.Write(append(line, '\n')); err != nil {
			return entry, fmt.Errorf("failed to write audit entry: %w", err)
		}
	}
	return entry, nil
}

// Record appends ev as a JSON payload.
func (c *ChainLogger) Record(ev Event) (*LogEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event: %w", err)
	}
	return c.Append(string(payload))
}

func entryHash(prev, ts, payload string) string {
	hash := sha256.Sum256([]byte(prev + "|" + ts + "|" + payload))
	return hex.EncodeToString(hash[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	return FirstBreak(entries) < 0
}

// FirstBreak returns the index of the first entry that does not chain to its
// predecessor, or -1 when the chain is intact.
func FirstBreak(entries []*LogEntry) int {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return i
			}
		}
		if entryHash(prevHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return i
		}
	}
	return -1
}

// ReadChain parses JSON-lines written by a ChainLogger sink.
func ReadChain(r io.Reader) ([]*LogEntry, error) {
	var entries []*LogEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, &e)
	}
	return entries, scanner.Err()
}

// DecodeEvent parses the payload of an entry written by Record.
func DecodeEvent(e *LogEntry) (Event, error) {
	var ev Event
	err := json.Unmarshal([]byte(e.Payload), &ev)
	return ev, err
}
