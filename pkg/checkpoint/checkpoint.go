// Package checkpoint persists per-request state snapshots: one JSON file
// per request under a configured base directory, written at the pipeline's
// pre- and post-execution stages and overwritten on each stage transition,
// so an interrupted request can be inspected or replayed.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"go.uber.org/zap"

	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// Stage names the pipeline point a snapshot was taken at.
type Stage string

const (
	StagePreExecution  Stage = "pre_execution"
	StagePostExecution Stage = "post_execution"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// Data is the stage-specific payload of a checkpoint: which stage was
// reached, the response so far (if any), and the error that interrupted
// the pipeline (if any).
type Data struct {
	Stage    Stage           `json:"stage"`
	Response *types.Response `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Snapshot is the on-disk representation of one checkpoint. SnapshotID is
// the request ID; the file is overwritten on each stage transition.
type Snapshot struct {
	SnapshotID     string                `json:"snapshot_id"`
	RequestContext *types.RequestContext `json:"request_context,omitempty"`
	CheckpointData Data                  `json:"checkpoint_data"`
	Timestamp      time.Time             `json:"timestamp"`
	// Diff holds a JSON Merge Patch (RFC 7386) describing the change from
	// the previous checkpoint for the same request, when one exists.
	Diff json.RawMessage `json:"diff,omitempty"`
}

// Config holds the checkpoint configuration surface.
type Config struct {
	StateStoragePath string
	FileMode         os.FileMode
}

// DefaultConfig returns the documented default.
func DefaultConfig() Config {
	return Config{
		StateStoragePath: "./state",
		FileMode:         0644,
	}
}

// Store is the StateCheckpoint component.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]json.RawMessage // request_id -> last-written snapshot body, for diffing
}

// New creates a Store rooted at cfg.StateStoragePath.
func New(cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		last:   make(map[string]json.RawMessage),
	}
}

func (s *Store) path(requestID string) string {
	return filepath.Join(s.cfg.StateStoragePath, requestID+".json")
}

// Save writes a snapshot for the given stage, computing a merge-patch diff
// against the previously saved snapshot for the same request when one
// exists in this Store's in-memory history.
func (s *Store) Save(requestID string, stage Stage, ctx *types.RequestContext, resp *types.Response, opErr error) error {
	if err := os.MkdirAll(s.cfg.StateStoragePath, 0755); err != nil {
		return errors.NewCheckpointError(errors.KindCheckpointSave, "failed to create state storage directory", err)
	}

	snap := Snapshot{
		SnapshotID:     requestID,
		RequestContext: ctx,
		CheckpointData: Data{Stage: stage, Response: resp},
		Timestamp:      time.Now(),
	}
	if opErr != nil {
		snap.CheckpointData.Error = opErr.Error()
	}

	// The diff is computed over the snapshot body without the diff field
	// itself, so successive patches chain cleanly.
	body, err := json.Marshal(snap)
	if err != nil {
		return errors.NewCheckpointError(errors.KindCheckpointSave, "failed to marshal checkpoint body", err)
	}

	s.mu.Lock()
	if prev, ok := s.last[requestID]; ok {
		if patch, perr := jsonpatch.CreateMergePatch(prev, body); perr == nil {
			snap.Diff = patch
		}
	}
	s.last[requestID] = body
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.NewCheckpointError(errors.KindCheckpointSave, "failed to marshal checkpoint", err)
	}

	if err := os.WriteFile(s.path(requestID), data, s.cfg.FileMode); err != nil {
		return errors.NewCheckpointError(errors.KindCheckpointSave, "failed to write checkpoint file", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("request_id", requestID),
		zap.String("stage", string(stage)))

	return nil
}

// Load reads back the most recently written snapshot for requestID.
func (s *Store) Load(requestID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewCheckpointError(errors.KindCheckpointNotFound, fmt.Sprintf("no checkpoint for request %q", requestID), err)
		}
		return nil, errors.NewCheckpointError(errors.KindCheckpointLoad, "failed to read checkpoint file", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.NewCheckpointError(errors.KindCheckpointLoad, "failed to unmarshal checkpoint", err)
	}
	return &snap, nil
}

// Delete removes the on-disk checkpoint for requestID, if any.
func (s *Store) Delete(requestID string) error {
	if err := os.Remove(s.path(requestID)); err != nil && !os.IsNotExist(err) {
		return errors.NewCheckpointError(errors.KindCheckpointSave, "failed to delete checkpoint file", err)
	}
	s.mu.Lock()
	delete(s.last, requestID)
	s.mu.Unlock()
	return nil
}
