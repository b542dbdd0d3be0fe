package dag

import (
	"errors"
	"testing"
)

func TestValidateBranchName(t *testing.T) {
	valid := []string{"master", "feature/x", "release-1.2", "a_b"}
	for _, name := range valid {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("ValidateBranchName(%q): %v", name, err)
		}
	}
	invalid := []string{"", "has space", "../up", "a__b", "/lead", "trail/", "a//b", "ümlaut"}
	for _, name := range invalid {
		if err := ValidateBranchName(name); !errors.Is(err, ErrInvalidBranchName) {
			t.Errorf("ValidateBranchName(%q) = %v, want ErrInvalidBranchName", name, err)
		}
	}
}

func TestRefFilename_RoundTrip(t *testing.T) {
	name := "feature/nested/x"
	file := RefFilename(name)
	if file != "feature__nested__x" {
		t.Errorf("RefFilename = %q", file)
	}
	if back := RefNameFromFilename(file); back != name {
		t.Errorf("RefNameFromFilename = %q, want %q", back, name)
	}
}
