package filestate

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func recordState(t *testing.T, path string, offset int64) State {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	hash, err := PartialHash(path)
	if err != nil {
		t.Fatalf("partial hash: %v", err)
	}
	return State{Offset: offset, Size: info.Size(), PartialHash: hash}
}

func TestDetectUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "line one\nline two\n")
	prev := recordState(t, path, 18)

	change := Detect(path, prev)
	if change.Kind != Unchanged {
		t.Fatalf("expected unchanged, got %s (%s)", change.Kind, change.Reason)
	}
}

func TestDetectAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "line one\n")
	prev := recordState(t, path, 9)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("line two\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = f.Close()

	change := Detect(path, prev)
	if change.Kind != Appended {
		t.Fatalf("expected appended, got %s (%s)", change.Kind, change.Reason)
	}
	if change.Size != 18 {
		t.Fatalf("expected size 18, got %d", change.Size)
	}
}

func TestDetectTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "line one\nline two\n")
	prev := recordState(t, path, 18)

	writeFile(t, path, "short\n")

	change := Detect(path, prev)
	if change.Kind != Rewritten {
		t.Fatalf("expected rewritten, got %s", change.Kind)
	}
	if change.Reason != "file truncated" {
		t.Fatalf("unexpected reason: %s", change.Reason)
	}
}

func TestDetectRewrittenSameSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	writeFile(t, path, "line one\nline two\n")
	prev := recordState(t, path, 18)

	writeFile(t, path, "eno enil\nowt enil\n")

	change := Detect(path, prev)
	if change.Kind != Rewritten {
		t.Fatalf("expected rewritten, got %s", change.Kind)
	}
}

func TestDetectMissingFileDegradesToRewritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.jsonl")
	change := Detect(path, State{Offset: 10, Size: 10, PartialHash: "abc"})
	if change.Kind != Rewritten {
		t.Fatalf("expected rewritten fallback, got %s", change.Kind)
	}
}

func TestDetectEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	writeFile(t, path, "")
	prev := recordState(t, path, 0)

	change := Detect(path, prev)
	if change.Kind != Unchanged {
		t.Fatalf("expected unchanged for untouched empty file, got %s", change.Kind)
	}
}
