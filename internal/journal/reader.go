// Package journal implements the offset-tracked tail of a single JSONL
// session file. It knows nothing about the record schema -- that's the
// agent adapter's job -- it only splits complete, newline-terminated
// lines and reports how many bytes were consumed.
//
// Grounded on the teacher's internal/monitor/jsonl.go ParseSessionJSONL,
// which reads from a byte offset with bufio.Reader.ReadBytes('\n') and
// only advances the offset past lines that ended in a newline. This
// package factors that loop out from the Claude-specific parsing so the
// tracer supervisor can feed its lines to the agent adapter and the
// loop can be tested independently.
package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Record is one complete, newline-terminated line read from a journal
// file, along with the byte range it occupied (end is exclusive and
// includes the trailing newline).
type Record struct {
	Line []byte // line content, without the trailing newline
	End  int64  // offset of the first byte after this record's newline
}

// ErrTruncated is returned by Read when the file is now shorter than the
// requested starting offset -- the conservative interpretation of the
// spec's open question on journal truncation: treat it as a logical
// reset for the caller to handle (drop accumulator state, reprocess
// from zero, rely on the remote for dedup).
var ErrTruncated = fmt.Errorf("journal: file is shorter than the requested offset")

// Read opens path, seeks to offset, and yields every complete record
// found after that point. A trailing partial line (no terminating
// newline) is not yielded and its bytes are not counted -- the file may
// still be being written to by the agent.
//
// Read is idempotent: calling it twice with the same offset against an
// unchanged file yields the same sequence. It does not mutate any state
// itself; callers are responsible for persisting the returned offset.
func Read(path string, offset int64) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Spec §4.1: file disappeared -> no-op, not an error. The
			// supervisor will observe the directory event separately.
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("journal: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("journal: stat %s: %w", path, err)
	}
	if info.Size() < offset {
		return nil, offset, ErrTruncated
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, fmt.Errorf("journal: seeking %s: %w", path, err)
		}
	}

	var records []Record
	cur := offset
	reader := bufio.NewReaderSize(f, 64*1024)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return records, cur, fmt.Errorf("journal: reading %s: %w", path, err)
		}
		if len(line) == 0 {
			break
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line -- don't yield, don't advance.
			break
		}

		cur += int64(len(line))
		records = append(records, Record{Line: line[:len(line)-1], End: cur})

		if err == io.EOF {
			break
		}
	}

	return records, cur, nil
}
