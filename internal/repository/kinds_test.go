package repository

import "testing"

func replaceKinds(t *testing.T) func() {
	t.Helper()
	prev := globalKinds
	globalKinds = newKindRegistry()
	return func() { globalKinds = prev }
}

func TestBuiltinKindsRegistered(t *testing.T) {
	for _, key := range []string{"local", "proxy", "group"} {
		if _, ok := ResolveKind(key); !ok {
			t.Fatalf("expected builtin kind %s", key)
		}
	}
	if _, ok := ResolveKind("PROXY"); !ok {
		t.Fatalf("resolve should be case-insensitive")
	}
	meta, _ := ResolveKind("group")
	if meta.Writable || !meta.HasMembers {
		t.Fatalf("unexpected group metadata: %+v", meta)
	}
}

func TestRegisterKindDuplicateFails(t *testing.T) {
	cleanup := replaceKinds(t)
	defer cleanup()

	if err := RegisterKind(KindMetadata{Kind: "mirror"}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := RegisterKind(KindMetadata{Kind: "Mirror"}); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
	if err := RegisterKind(KindMetadata{}); err == nil {
		t.Fatalf("empty kind should fail")
	}
	keys := KindKeys()
	if len(keys) != 1 || keys[0] != "mirror" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
