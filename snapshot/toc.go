package snapshot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ben-z/teslausbd/hostfs"
)

// tocRecord is the body of a .toc marker: an extensible text record whose
// only required field is id (spec.md §6). source_size is written only when
// SourceSize is non-zero; Manager.Create does not set it, so the markers it
// writes hold id and created_at only. When present, source_size is parsed
// but never consulted to determine validity — presence of the file is the
// only oracle.
type tocRecord struct {
	ID         uint64
	CreatedAt  time.Time
	SourceSize int64 // 0 if unknown
}

func writeTOC(fs hostfs.FS, path string, rec tocRecord) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%d\n", rec.ID)
	fmt.Fprintf(&b, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if rec.SourceSize > 0 {
		fmt.Fprintf(&b, "source_size=%d\n", rec.SourceSize)
	}
	return fs.WriteFileAtomic(path, []byte(b.String()))
}

func readTOC(fs hostfs.FS, path string) (tocRecord, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return tocRecord{}, err
	}
	var rec tocRecord
	haveID := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "id":
			id, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				return tocRecord{}, errors.Wrapf(err, "toc: invalid id %q", kv[1])
			}
			rec.ID = id
			haveID = true
		case "created_at":
			t, err := time.Parse(time.RFC3339Nano, kv[1])
			if err == nil {
				rec.CreatedAt = t
			}
		case "source_size":
			n, err := strconv.ParseInt(kv[1], 10, 64)
			if err == nil {
				rec.SourceSize = n
			}
		}
	}
	if !haveID {
		return tocRecord{}, errors.Errorf("toc: missing required id field in %s", path)
	}
	return rec, nil
}
