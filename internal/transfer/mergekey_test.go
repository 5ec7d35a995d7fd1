package transfer

import "testing"

func TestEncodeMergeKey(t *testing.T) {
	row := map[string]any{"id": 7, "code": "AB"}
	got := encodeMergeKey(row, []string{"id", "code"})
	want := "id:7|code:AB"
	if got != want {
		t.Fatalf("encodeMergeKey: got %q want %q", got, want)
	}
}

func TestEncodeMergeKey_MissingAndNilBecomeNULL(t *testing.T) {
	row := map[string]any{"id": 7, "code": nil}
	got := encodeMergeKey(row, []string{"id", "code", "missing"})
	want := "id:7|code:NULL|missing:NULL"
	if got != want {
		t.Fatalf("encodeMergeKey: got %q want %q", got, want)
	}
}

func TestEncodeMergeKey_EmptyKeys(t *testing.T) {
	got := encodeMergeKey(map[string]any{"id": 1}, nil)
	if got != "" {
		t.Fatalf("expected empty signature for no keys, got %q", got)
	}
}
