package ingest

import (
	"fmt"
	"strings"
)

const (
	// SubjectPrefix is the prefix of every activity event subject.
	SubjectPrefix = "nextstep.v1.events"
)

// CourseSubject returns the subject carrying the events of one course.
func CourseSubject(courseID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, sanitizeSegment(courseID))
}

// AllCoursesSubject returns the wildcard subject matching every course.
func AllCoursesSubject() string {
	return SubjectPrefix + ".>"
}

// sanitizeSegment keeps course ids from introducing extra subject levels.
func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(value)
}

// subjectMatches supports exact, "*" segment, and ">" suffix wildcards.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		prefix := strings.TrimSuffix(pattern, ".>")
		return strings.HasPrefix(subject, prefix+".")
	}
	if pattern == ">" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")
	if len(patternParts) != len(subjectParts) {
		return false
	}
	for i := range patternParts {
		if patternParts[i] != "*" && patternParts[i] != subjectParts[i] {
			return false
		}
	}
	return true
}
