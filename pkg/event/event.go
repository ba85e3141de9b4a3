// Package event defines raw learner activity events and the keys that
// partition them into learning contexts.
package event

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nextstep/nextstep/pkg/action"
	"github.com/nextstep/nextstep/pkg/errdefs"
)

// RawEvent is one activity log line as received from the LMS. It is not
// modified after ingestion.
type RawEvent struct {
	ID         string    `json:"event_id,omitempty"`
	UserID     string    `json:"user_id" validate:"required"`
	CourseID   string    `json:"course_id" validate:"required"`
	ModuleRef  string    `json:"module_ref,omitempty"`
	ActionName string    `json:"action_name" validate:"required"`
	Timestamp  time.Time `json:"timestamp"`
	Score      *float64  `json:"score,omitempty" validate:"omitempty,gte=0,lte=1"`
	Progress   *float64  `json:"progress,omitempty" validate:"omitempty,gte=0,lte=1"`
}

var validate = validator.New()

// Validate checks required fields and value ranges. The returned error is
// always an *errdefs.ValidationError.
func (e RawEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errdefs.Invalid(jsonName(fe.Field()), describe(fe), fe.Value())
		}
		return errdefs.Invalid("event", err.Error(), nil)
	}
	if e.Timestamp.IsZero() {
		return errdefs.Invalid("timestamp", "required", nil)
	}
	for name, v := range map[string]*float64{"score": e.Score, "progress": e.Progress} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return errdefs.Invalid(name, "must be a finite number", *v)
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func jsonName(field string) string {
	switch field {
	case "UserID":
		return "user_id"
	case "CourseID":
		return "course_id"
	case "ActionName":
		return "action_name"
	default:
		return strings.ToLower(field)
	}
}

// EnsureID returns e with a generated event id when none was supplied.
func (e RawEvent) EnsureID() RawEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return e
}

// Record is a validated, normalized event as held in a context buffer.
type Record struct {
	ID        string
	Type      action.Type
	Timestamp time.Time
	Score     *float64
	Progress  *float64

	// Seq is assigned by the buffer on insertion and increases with arrival
	// order, independently of Timestamp.
	Seq uint64
}

// NewRecord builds a Record from a validated raw event and its resolved type.
func NewRecord(e RawEvent, t action.Type) Record {
	return Record{
		ID:        e.ID,
		Type:      t,
		Timestamp: e.Timestamp.UTC(),
		Score:     copyFloat(e.Score),
		Progress:  copyFloat(e.Progress),
	}
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ContextKey identifies one learning context: a learner within one module
// of one course.
type ContextKey struct {
	UserID      string `json:"user_id"`
	CourseID    string `json:"course_id"`
	ModuleIndex int    `json:"module_index"`
}

func (k ContextKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.UserID, k.CourseID, k.ModuleIndex)
}
