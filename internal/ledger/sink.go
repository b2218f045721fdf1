package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// TranscriptSink mirrors every appended entry to a JSONL file so a run's
// conversation can be audited after the process exits. Each record carries a
// blake3 digest of its payload; the ledger itself stays in memory only.
type TranscriptSink struct {
	mu    sync.Mutex
	f     *os.File
	runID string
}

type transcriptRecord struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Timestamp string         `json:"ts"`
	Kind      Kind           `json:"kind"`
	Turn      int            `json:"turn,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	Result    any            `json:"result,omitempty"`
	Digest    string         `json:"digest"`
}

// NewTranscriptSink opens (or creates) the transcript file in append mode.
func NewTranscriptSink(path, runID string) (*TranscriptSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &TranscriptSink{f: f, runID: runID}, nil
}

// Record appends one entry as a JSONL line. Failures are returned but the
// caller treats them as non-fatal: the in-memory ledger is authoritative.
func (s *TranscriptSink) Record(e Entry) error {
	if s == nil {
		return nil
	}
	rec := transcriptRecord{
		ID:        uuid.NewString(),
		RunID:     s.runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Kind:      e.Kind,
		Turn:      e.Turn,
		Tool:      e.ToolName,
		Arguments: e.Arguments,
		Payload:   e.Text,
	}
	if e.Kind == KindToolCallResult {
		rec.Result = e.Result
	}
	rec.Digest = digestEntry(e)

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transcript record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write transcript record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *TranscriptSink) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}

func digestEntry(e Entry) string {
	h := blake3.New()
	h.Write([]byte(e.Kind))
	h.Write([]byte(e.Text))
	h.Write([]byte(e.ToolName))
	if e.Arguments != nil {
		if b, err := json.Marshal(e.Arguments); err == nil {
			h.Write(b)
		}
	}
	if e.Kind == KindToolCallResult {
		if b, err := json.Marshal(e.Result); err == nil {
			h.Write(b)
		}
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
