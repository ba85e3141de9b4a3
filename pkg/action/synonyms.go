package action

import "strings"

// defaultSynonyms maps LMS log verbs onto catalog action types. Keys are
// stored in canonical form (see canonicalName).
var defaultSynonyms = map[string]Type{
	"view_content":         ViewContent,
	"view":                 ViewContent,
	"page_viewed":          ViewContent,
	"mod_page_viewed":      ViewContent,
	"resource_viewed":      ViewContent,
	"course_module_viewed": ViewContent,
	"read":                 ViewContent,
	"open_lesson":          ViewContent,

	"watch_video":    WatchVideo,
	"video_play":     WatchVideo,
	"video_played":   WatchVideo,
	"video_watched":  WatchVideo,
	"video_complete": WatchVideo,
	"play":           WatchVideo,

	"attempt_quiz":      AttemptQuiz,
	"quiz_attempt":      AttemptQuiz,
	"quiz_started":      AttemptQuiz,
	"quiz_submitted":    AttemptQuiz,
	"attempt_submitted": AttemptQuiz,
	"quiz":              AttemptQuiz,

	"submit_assignment":    SubmitAssignment,
	"assignment_submitted": SubmitAssignment,
	"assessable_submitted": SubmitAssignment,
	"submission_created":   SubmitAssignment,
	"submit":               SubmitAssignment,

	"review_content":   ReviewContent,
	"review":           ReviewContent,
	"attempt_reviewed": ReviewContent,
	"feedback_viewed":  ReviewContent,
	"revisit":          ReviewContent,

	"forum_discuss":      ForumDiscuss,
	"forum_post":         ForumDiscuss,
	"post_created":       ForumDiscuss,
	"discussion_created": ForumDiscuss,
	"discussion_viewed":  ForumDiscuss,
	"comment":            ForumDiscuss,
}

// Normalizer maps raw action names to catalog types through a fixed
// synonym table. The table is fixed after construction, so a Normalizer is
// safe for concurrent use.
type Normalizer struct {
	synonyms map[string]Type
}

// NewNormalizer creates a Normalizer seeded with the built-in synonyms plus
// extra. Entries in extra whose target type is unknown are ignored and
// returned so the caller can report them.
func NewNormalizer(extra map[string]string) (*Normalizer, []string) {
	n := &Normalizer{synonyms: make(map[string]Type, len(defaultSynonyms)+len(extra))}
	for k, v := range defaultSynonyms {
		n.synonyms[k] = v
	}

	var rejected []string
	for raw, target := range extra {
		t := Type(canonicalName(target))
		if !t.Valid() {
			rejected = append(rejected, raw)
			continue
		}
		n.synonyms[canonicalName(raw)] = t
	}
	return n, rejected
}

// Normalize resolves a raw action name. The second result is false when the
// name has no synonym; such events are dropped by the caller.
func (n *Normalizer) Normalize(name string) (Type, bool) {
	key := canonicalName(name)
	if key == "" {
		return "", false
	}

	t, ok := n.synonyms[key]
	if ok {
		return t, true
	}

	// Moodle style event names: "\mod_quiz\event\attempt_submitted".
	if i := strings.LastIndex(key, "\\"); i >= 0 && i < len(key)-1 {
		t, ok = n.synonyms[key[i+1:]]
	}
	return t, ok
}

func canonicalName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(s)
	return s
}
