package relay

import (
	"fmt"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if !segmentPattern.MatchString(s) {
			return nil, fmt.Errorf("%w: bad segment %q in %q", ErrInvalidPath, s, path)
		}
	}
	return segments, nil
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	return segmentPattern.MatchString(s)
}

// documentPath validates path as a document path and returns its parent
// collection and id.
func documentPath(path string) (parent, id string, err error) {
	segments, err := splitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(segments)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is a collection path", ErrInvalidPath, path)
	}
	return strings.Join(segments[:len(segments)-1], "/"), segments[len(segments)-1], nil
}

func collectionPath(path string) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments)%2 != 1 {
		return fmt.Errorf("%w: %q is a document path", ErrInvalidPath, path)
	}
	return nil
}
