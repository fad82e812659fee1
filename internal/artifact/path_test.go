package artifact

import (
	"errors"
	"testing"
)

func TestCanonical(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"foo/1.0/a.bin", "/foo/1.0/a.bin"},
		{"//foo///bar/", "/foo/bar"},
		{"/foo/./bar", "/foo/bar"},
		{"/foo/x/../bar", "/foo/bar"},
		{"/Foo/BAR", "/Foo/BAR"},
	}
	for _, tc := range cases {
		got, err := Canonical(tc.in)
		if err != nil {
			t.Fatalf("Canonical(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Canonical(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalRejectsEscapes(t *testing.T) {
	for _, in := range []string{"../etc/passwd", "/a/../../b", `a\b`, "a\x00b"} {
		if _, err := Canonical(in); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("Canonical(%q) expected ErrInvalidPath, got %v", in, err)
		}
	}
}

func TestSplitFirst(t *testing.T) {
	first, rest := SplitFirst("/A/x/y")
	if first != "A" || rest != "/x/y" {
		t.Fatalf("unexpected split: %q %q", first, rest)
	}
	first, rest = SplitFirst("/A")
	if first != "A" || rest != "/" {
		t.Fatalf("unexpected split of single segment: %q %q", first, rest)
	}
	first, rest = SplitFirst("/")
	if first != "" || rest != "/" {
		t.Fatalf("unexpected split of root: %q %q", first, rest)
	}
}

func TestIsWithin(t *testing.T) {
	if !IsWithin("/a/b", "/a") || !IsWithin("/a", "/a") || !IsWithin("/x", "/") {
		t.Fatalf("expected paths to be within prefix")
	}
	if IsWithin("/ab", "/a") {
		t.Fatalf("sibling with shared prefix must not match")
	}
}

func TestWrapOpKeepsSentinel(t *testing.T) {
	err := WrapOp("retrieve", "central", "/a", ErrNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrapped error should match ErrNotFound")
	}
	if again := WrapOp("retrieve", "central", "/a", err); again != err {
		t.Fatalf("re-wrapping the same context should be a no-op")
	}
}
