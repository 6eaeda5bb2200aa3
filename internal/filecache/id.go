package filecache

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const idPrefix = "F-"

// FileID identifies one cached object. The zero value means "generate one".
type FileID string

// NewFileID returns a fresh random identifier.
func NewFileID() FileID {
	return FileID(idPrefix + uuid.New().String())
}

// ParseFileID validates s and returns it as a FileID.
func ParseFileID(s string) (FileID, error) {
	rest, ok := strings.CutPrefix(s, idPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	u, err := uuid.Parse(rest)
	if err != nil || u.String() != rest {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return FileID(s), nil
}

func (id FileID) String() string { return string(id) }

func (id FileID) valid() bool {
	_, err := ParseFileID(string(id))
	return err == nil
}
