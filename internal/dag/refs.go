package dag

import (
	"errors"
	"fmt"
	"strings"
)

// MasterBranch is created with every database and can never be deleted.
const MasterBranch = "master"

const maxBranchNameLen = 200

// ErrInvalidBranchName is returned for names ValidateBranchName rejects.
var ErrInvalidBranchName = errors.New("invalid branch name")

// Ref is a named, movable pointer to a commit.
type Ref struct {
	Name string `json:"name"`
	Head CID    `json:"head"`
}

// ValidateBranchName accepts ASCII letters, digits and ". _ - /", rejects
// empty segments, "..", and the "__" sequence that RefFilename reserves.
func ValidateBranchName(name string) error {
	if name == "" || len(name) > maxBranchNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "__") {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == '/':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidBranchName, name)
		}
	}
	return nil
}

// RefFilename maps a branch name to a single path element: slashes become
// double underscores.
func RefFilename(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}

// RefNameFromFilename reverses RefFilename.
func RefNameFromFilename(file string) string {
	return strings.ReplaceAll(file, "__", "/")
}
