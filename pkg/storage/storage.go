// Package storage persists Q-table snapshots per course.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nextstep/nextstep/pkg/errdefs"
	"github.com/nextstep/nextstep/pkg/qtable"
)

// Store defines the snapshot persistence operations.
type Store interface {
	// SaveSnapshot seals snap and makes it the active snapshot of its
	// course. Earlier snapshots remain in the history.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// LoadSnapshot returns the active snapshot of a course. A snapshot that
	// fails its integrity check yields an *errdefs.StateCorruptionError.
	LoadSnapshot(ctx context.Context, courseID string) (*Snapshot, error)
	// ListCourses returns the courses with an active snapshot, sorted.
	ListCourses(ctx context.Context) ([]string, error)
	// ListHistory returns up to limit snapshots of a course, newest first.
	ListHistory(ctx context.Context, courseID string, limit int) ([]SnapshotInfo, error)
	// DeleteSnapshot removes the active snapshot and the history of a course.
	DeleteSnapshot(ctx context.Context, courseID string) error

	Close() error
}

// Snapshot is the persisted state of one course: the Q-table with its
// hyperparameters and the last state/action pointer of every context.
type Snapshot struct {
	ID              string                     `json:"id"`
	CourseID        string                     `json:"course_id"`
	CreatedAt       time.Time                  `json:"created_at"`
	Hyperparameters qtable.Hyperparameters     `json:"hyperparameters"`
	QTable          map[string]map[int]float64 `json:"q_table"`
	Contexts        []ContextRecord            `json:"per_context"`
	Checksum        string                     `json:"checksum"`
}

// ContextRecord is the persisted pointer of one learning context.
type ContextRecord struct {
	UserID          string             `json:"user_id"`
	ModuleIndex     int                `json:"module_index"`
	LastState       string             `json:"last_state"`
	LastAction      int                `json:"last_action"`
	LastTriggerTime time.Time          `json:"last_trigger_time"`
	LastProgress    float64            `json:"last_progress"`
	LastMastery     map[string]float64 `json:"last_mastery,omitempty"`
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	CreatedAt time.Time `json:"created_at"`
	Entries   int       `json:"entries"`
	Contexts  int       `json:"contexts"`
	Checksum  string    `json:"checksum"`
}

// NewSnapshot builds an unsealed snapshot from a table export.
func NewSnapshot(courseID string, exp qtable.Export, contexts []ContextRecord) *Snapshot {
	return &Snapshot{
		CourseID:        courseID,
		Hyperparameters: exp.Hyperparameters,
		QTable:          exp.Entries,
		Contexts:        contexts,
	}
}

// Export returns the table part of the snapshot.
func (s *Snapshot) Export() qtable.Export {
	return qtable.Export{Hyperparameters: s.Hyperparameters, Entries: s.QTable}
}

// Info summarizes the snapshot.
func (s *Snapshot) Info() SnapshotInfo {
	n := 0
	for _, r := range s.QTable {
		n += len(r)
	}
	return SnapshotInfo{
		ID:        s.ID,
		CourseID:  s.CourseID,
		CreatedAt: s.CreatedAt,
		Entries:   n,
		Contexts:  len(s.Contexts),
		Checksum:  s.Checksum,
	}
}

// Seal assigns an id and creation time when missing and computes the
// checksum over the remaining fields.
func (s *Snapshot) Seal() error {
	if s.CourseID == "" {
		return errdefs.Invalid("course_id", "required", nil)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.CreatedAt = s.CreatedAt.UTC().Round(0)
	for i := range s.Contexts {
		s.Contexts[i].LastTriggerTime = s.Contexts[i].LastTriggerTime.UTC().Round(0)
	}
	if s.QTable == nil {
		s.QTable = map[string]map[int]float64{}
	}
	sum, err := s.digest()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// Verify recomputes the checksum.
func (s *Snapshot) Verify() error {
	sum, err := s.digest()
	if err != nil {
		return &errdefs.StateCorruptionError{Scope: "course " + s.CourseID, Reason: "cannot re-encode snapshot", Cause: err}
	}
	if sum != s.Checksum {
		return &errdefs.StateCorruptionError{
			Scope:  "course " + s.CourseID,
			Reason: fmt.Sprintf("checksum mismatch: stored %q, computed %q", s.Checksum, sum),
		}
	}
	return nil
}

func (s *Snapshot) digest() (string, error) {
	unsealed := *s
	unsealed.Checksum = ""
	data, err := Encode(&unsealed)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// Encode serializes a snapshot. Map keys are emitted in sorted order so the
// encoding of equal snapshots is byte-identical.
func Encode(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

// Decode deserializes a snapshot without verifying it.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &s, nil
}

// Open decodes and verifies a stored snapshot of courseID. Any failure is
// reported as an *errdefs.StateCorruptionError.
func Open(courseID string, data []byte) (*Snapshot, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, &errdefs.StateCorruptionError{Scope: "course " + courseID, Reason: "undecodable snapshot", Cause: err}
	}
	if s.CourseID != courseID {
		return nil, &errdefs.StateCorruptionError{
			Scope:  "course " + courseID,
			Reason: fmt.Sprintf("snapshot belongs to course %q", s.CourseID),
		}
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return s, nil
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}
