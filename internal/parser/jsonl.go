package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kulesh/catsyphon-sub000/internal/filestate"
)

// lineHandler converts one JSONL line into zero or more messages. A nil error
// with no messages means the line was metadata; a non-nil error means the line
// is malformed and is skipped without aborting the rest of the file.
type lineHandler func(line []byte) ([]Message, error)

// walkChunk reads lines starting at offset and accumulates messages until
// limit is reached or the file is exhausted. A trailing line without a
// newline is consumed only when it parses as complete JSON; otherwise it is
// presumed mid-write and left for the next pass.
func walkChunk(path string, offset int64, limit int, handle lineHandler) (Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Chunk{}, fmt.Errorf("stat %s: %w", path, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return Chunk{}, fmt.Errorf("seek %s to %d: %w", path, offset, err)
		}
	}
	if limit <= 0 {
		limit = 500
	}

	chunk := Chunk{NextOffset: offset, FileSize: info.Size()}
	reader := bufio.NewReaderSize(f, 256*1024)

	for len(chunk.Messages) < limit {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return Chunk{}, fmt.Errorf("read %s: %w", path, readErr)
		}

		atEOF := readErr == io.EOF
		terminated := len(line) > 0 && line[len(line)-1] == '\n'
		trimmed := bytes.TrimSpace(line)

		if len(trimmed) > 0 {
			if !terminated && !json.Valid(trimmed) {
				// Partial write in progress: retry from the same offset.
				chunk.IsLast = true
				break
			}
			msgs, handleErr := handle(trimmed)
			if handleErr == nil {
				chunk.Messages = append(chunk.Messages, msgs...)
			}
		}

		chunk.NextOffset += int64(len(line))
		if len(line) > 0 {
			chunk.NextLine++
		}

		if atEOF {
			chunk.IsLast = true
			break
		}
	}

	hash, err := filestate.PartialHash(path)
	if err != nil {
		return Chunk{}, fmt.Errorf("partial hash %s: %w", path, err)
	}
	chunk.PartialHash = hash
	return chunk, nil
}

// scanLines feeds up to maxLines non-empty lines to fn, stopping early when
// fn returns false. Lets ParseMetadata read only enough of the file to
// establish identity regardless of message volume.
func scanLines(path string, maxLines int, fn func(line []byte) bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seen := 0
	for scanner.Scan() && seen < maxLines {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		seen++
		if !fn(line) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

// firstLine returns the first non-empty line of the file, reading at most a
// small fixed window. Used by CanProcess probes.
func firstLine(path string) ([]byte, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			return out, true
		}
	}
	return nil, false
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
