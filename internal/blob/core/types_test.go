package core

import (
	"errors"
	"testing"
)

func TestCleanKey(t *testing.T) {
	valid := map[string]string{
		"catalogs/default.yaml":    "catalogs/default.yaml",
		"catalogs//v2/./base.json": "catalogs/v2/base.json",
		`catalogs\win.yaml`:        "catalogs/win.yaml",
	}
	for in, want := range valid {
		got, err := CleanKey(in)
		if err != nil || got != want {
			t.Fatalf("CleanKey(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "  ", "/etc/passwd", "../up", "a/../../b", "."} {
		if _, err := CleanKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("CleanKey(%q) expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestKeyErrorUnwraps(t *testing.T) {
	err := error(KeyError{Kind: ErrNotFound, Key: "x"})
	if !errors.Is(err, ErrNotFound) || err.Error() != `blob not found: "x"` {
		t.Fatalf("unexpected key error %v", err)
	}
}

func TestCloneMetadata(t *testing.T) {
	if CloneMetadata(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	in := map[string]string{"version": "1"}
	out := CloneMetadata(in)
	out["version"] = "2"
	if in["version"] != "1" {
		t.Fatalf("clone must not alias input")
	}
}
