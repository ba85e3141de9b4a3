// Package action defines the fixed action space that recommendations are
// drawn from.
package action

import "fmt"

// Type identifies what a learner does.
type Type string

const (
	ViewContent      Type = "view_content"
	WatchVideo       Type = "watch_video"
	AttemptQuiz      Type = "attempt_quiz"
	SubmitAssignment Type = "submit_assignment"
	ReviewContent    Type = "review_content"
	ForumDiscuss     Type = "forum_discuss"
)

// Types lists every action type in catalog order.
var Types = []Type{
	ViewContent,
	WatchVideo,
	AttemptQuiz,
	SubmitAssignment,
	ReviewContent,
	ForumDiscuss,
}

// Category groups action types by the learning phase they indicate.
type Category int

const (
	// CategoryPre covers material consumption before assessment.
	CategoryPre Category = iota
	// CategoryActive covers assessment attempts and submissions.
	CategoryActive
	// CategoryReflective covers review and discussion.
	CategoryReflective
)

func (c Category) String() string {
	switch c {
	case CategoryPre:
		return "pre"
	case CategoryActive:
		return "active"
	case CategoryReflective:
		return "reflective"
	default:
		return "unknown"
	}
}

// Category returns the phase category of t. Unknown types count as pre.
func (t Type) Category() Category {
	switch t {
	case AttemptQuiz, SubmitAssignment:
		return CategoryActive
	case ReviewContent, ForumDiscuss:
		return CategoryReflective
	default:
		return CategoryPre
	}
}

// Valid reports whether t is one of the known action types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// TimeContext places an action relative to the learner's current module.
type TimeContext string

const (
	Past    TimeContext = "past"
	Current TimeContext = "current"
	Future  TimeContext = "future"
)

// TimeContexts lists every time context in catalog order.
var TimeContexts = []TimeContext{Past, Current, Future}

// allowed lists the valid time contexts per action type. Assessments and
// reviews cannot target modules the learner has not reached.
var allowed = map[Type][]TimeContext{
	ViewContent:      {Past, Current, Future},
	WatchVideo:       {Past, Current, Future},
	AttemptQuiz:      {Past, Current},
	SubmitAssignment: {Past, Current},
	ReviewContent:    {Past, Current},
	ForumDiscuss:     {Past, Current, Future},
}

// Action is an immutable (type, time context) pair with a stable index.
type Action struct {
	Index   int         `json:"index"`
	Type    Type        `json:"type"`
	Context TimeContext `json:"context"`
}

// String renders the action as "type@context".
func (a Action) String() string {
	return fmt.Sprintf("%s@%s", a.Type, a.Context)
}

// OutOfRangeError is returned when an action index is outside [0, N).
type OutOfRangeError struct {
	Index int
	Size  int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("action index %d out of range [0,%d)", e.Index, e.Size)
}

// NotFoundError is returned when a (type, context) pair is not in the catalog.
type NotFoundError struct {
	Type    Type
	Context TimeContext
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("action %s@%s not found", e.Type, e.Context)
}
