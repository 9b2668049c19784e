// Package audit implements the pipeline's audit journal: an
// append-only, hash-chained JSON Lines log rotated by UTC calendar date.
// Each entry carries the hash of its predecessor, so after-the-fact
// tampering with a day's file is detectable by rewalking the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proddefense/llmguard/pkg/clock"
)

// EventType identifies what kind of pipeline event an Entry records.
type EventType string

const (
	EventRequest  EventType = "request"
	EventResponse EventType = "response"
	EventError    EventType = "error"
	EventAlert    EventType = "alert"
)

// truncateLen is the maximum number of characters retained verbatim in a
// logged prompt or response; the full length is recorded alongside so a
// reader can tell how much was elided.
const truncateLen = 100

// Entry is one line of the audit journal.
type Entry struct {
	Sequence  int64     `json:"sequence"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	PromptExcerpt string `json:"prompt_excerpt,omitempty"`
	PromptLength  int    `json:"prompt_length,omitempty"`

	ResponseExcerpt string `json:"response_excerpt,omitempty"`
	ResponseLength  int    `json:"response_length,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	AlertCategory string `json:"alert_category,omitempty"`
	AlertSeverity string `json:"alert_severity,omitempty"`
	Message       string `json:"message,omitempty"`

	PreviousHash string `json:"previous_hash"`
	Hash         string `json:"hash"`
}

// truncate returns s clipped to truncateLen characters and its original
// length, so callers can populate both the excerpt and length fields.
func truncate(s string) (string, int) {
	length := len(s)
	if length <= truncateLen {
		return s, length
	}
	return s[:truncateLen], length
}

// Config holds the audit configuration surface.
type Config struct {
	AuditLogPath string
	FileMode     os.FileMode
}

// DefaultConfig returns the documented default.
func DefaultConfig() Config {
	return Config{
		AuditLogPath: "./audit",
		FileMode:     0644,
	}
}

// Journal is the AuditJournal component. It rotates to a new file, and
// resets its hash chain, whenever the UTC calendar date advances.
type Journal struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	currentDate  string
	sequence     int64
	previousHash string
}

// New creates a Journal using the real clock.
func New(cfg Config, logger *zap.Logger) *Journal {
	return NewWithClock(cfg, clock.Real{}, logger)
}

// NewWithClock creates a Journal with an injected clock, for deterministic
// rotation tests.
func NewWithClock(cfg Config, c clock.Clock, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	return &Journal{cfg: cfg, clock: c, logger: logger}
}

func (j *Journal) filePath(date string) string {
	return filepath.Join(j.cfg.AuditLogPath, fmt.Sprintf("audit_%s.jsonl", date))
}

// ensureOpenLocked opens (creating if needed) the file for today's UTC
// date, rotating away from any previously open file. Caller must hold j.mu.
func (j *Journal) ensureOpenLocked() error {
	today := j.clock.Now().UTC().Format("20060102")
	if j.file != nil && j.currentDate == today {
		return nil
	}

	if j.file != nil {
		j.file.Close()
	}

	if err := os.MkdirAll(j.cfg.AuditLogPath, 0755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	f, err := os.OpenFile(j.filePath(today), os.O_APPEND|os.O_CREATE|os.O_WRONLY, j.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}

	j.file = f
	j.encoder = json.NewEncoder(f)
	j.currentDate = today
	j.sequence = 0
	j.previousHash = ""
	return nil
}

// write finalizes entry's sequence/chain fields and appends it as one JSON
// line, rotating to a new day's file first if needed.
func (j *Journal) write(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.ensureOpenLocked(); err != nil {
		return err
	}

	j.sequence++
	entry.Sequence = j.sequence
	entry.PreviousHash = j.previousHash

	hash, err := hashEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to hash audit entry: %w", err)
	}
	entry.Hash = hash
	j.previousHash = hash

	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

func hashEntry(e Entry) (string, error) {
	e.Hash = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LogRequest records an incoming request, before admission or validation.
func (j *Journal) LogRequest(requestID, userID, sessionID, prompt string) {
	excerpt, length := truncate(prompt)
	j.logOrWarn(Entry{
		EventType:     EventRequest,
		Timestamp:     j.clock.Now(),
		RequestID:     requestID,
		UserID:        userID,
		SessionID:     sessionID,
		PromptExcerpt: excerpt,
		PromptLength:  length,
	})
}

// LogResponse records a completed response.
func (j *Journal) LogResponse(requestID, userID, sessionID, response string) {
	excerpt, length := truncate(response)
	j.logOrWarn(Entry{
		EventType:       EventResponse,
		Timestamp:       j.clock.Now(),
		RequestID:       requestID,
		UserID:          userID,
		SessionID:       sessionID,
		ResponseExcerpt: excerpt,
		ResponseLength:  length,
	})
}

// LogError records a pipeline error.
func (j *Journal) LogError(requestID string, kind string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	j.logOrWarn(Entry{
		EventType:    EventError,
		Timestamp:    j.clock.Now(),
		RequestID:    requestID,
		ErrorKind:    kind,
		ErrorMessage: msg,
	})
}

// LogAlert records an Alert raised by QualityAssessor or PerformanceRecorder.
func (j *Journal) LogAlert(requestID, category, severity, message string) {
	j.logOrWarn(Entry{
		EventType:     EventAlert,
		Timestamp:     j.clock.Now(),
		RequestID:     requestID,
		AlertCategory: category,
		AlertSeverity: severity,
		Message:       message,
	})
}

func (j *Journal) logOrWarn(entry Entry) {
	if err := j.write(entry); err != nil {
		j.logger.Warn("failed to write audit entry",
			zap.String("request_id", entry.RequestID),
			zap.String("event_type", string(entry.EventType)),
			zap.Error(err))
	}
}

// Close flushes and closes the currently open journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
