package filestate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// PrefixHashSize is the number of leading bytes hashed to fingerprint a file.
// Hashing a fixed prefix keeps re-checks cheap on every pass regardless of
// how large the log grows.
const PrefixHashSize = 4096

type Kind string

const (
	Unchanged Kind = "unchanged"
	Appended  Kind = "appended"
	Rewritten Kind = "rewritten"
)

// State is the checkpoint recorded after a previous pass over a file.
type State struct {
	Offset      int64
	Size        int64
	PartialHash string
}

// Change classifies the file's current contents against a recorded State.
type Change struct {
	Kind        Kind
	Reason      string
	Size        int64
	PartialHash string
}

// Detect compares the file at path against the previously recorded state.
// Any error during detection degrades to Rewritten: a full reparse is always
// safe, skipping work on stale state is not.
func Detect(path string, prev State) Change {
	info, err := os.Stat(path)
	if err != nil {
		return Change{Kind: Rewritten, Reason: fmt.Sprintf("stat failed: %v", err)}
	}
	size := info.Size()

	currentHash, err := PartialHash(path)
	if err != nil {
		return Change{Kind: Rewritten, Reason: fmt.Sprintf("hash failed: %v", err), Size: size}
	}

	if size < prev.Size {
		return Change{Kind: Rewritten, Reason: "file truncated", Size: size, PartialHash: currentHash}
	}

	prefixLen := prev.Size
	if prefixLen > PrefixHashSize {
		prefixLen = PrefixHashSize
	}
	prefixHash, err := hashPrefix(path, prefixLen)
	if err != nil {
		return Change{Kind: Rewritten, Reason: fmt.Sprintf("prefix hash failed: %v", err), Size: size, PartialHash: currentHash}
	}
	if prefixHash != prev.PartialHash {
		return Change{Kind: Rewritten, Reason: "prefix hash mismatch", Size: size, PartialHash: currentHash}
	}

	if size == prev.Size {
		return Change{Kind: Unchanged, Size: size, PartialHash: currentHash}
	}
	return Change{Kind: Appended, Size: size, PartialHash: currentHash}
}

// PartialHash hashes the first PrefixHashSize bytes of the file (or the whole
// file when shorter).
func PartialHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	n := info.Size()
	if n > PrefixHashSize {
		n = PrefixHashSize
	}
	return hashPrefix(path, n)
}

func hashPrefix(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyN(h, f, n); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
