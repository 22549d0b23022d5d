package ingest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/clinrag/clinrag/internal/platform/errs"
)

const (
	checkpointFile = ".ingest_checkpoint"

	// CheckpointInterval is how many processed images sit between durable
	// checkpoint writes.
	CheckpointInterval = 100
)

// Checkpoint is the durable set of image ids already processed from one
// source root. It survives interrupted runs so a restart skips finished
// work.
type Checkpoint struct {
	path string
	ids  map[string]struct{}
}

// LoadCheckpoint reads the checkpoint under root. A missing file yields an
// empty set. A corrupt file also yields an empty set, together with a data
// error the caller can log before starting over.
func LoadCheckpoint(root string) (*Checkpoint, error) {
	cp := &Checkpoint{
		path: filepath.Join(root, checkpointFile),
		ids:  map[string]struct{}{},
	}

	data, err := os.ReadFile(cp.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, nil
	}
	if err != nil {
		return cp, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return cp, errs.Dataf(err, "checkpoint %s is corrupt", cp.path)
	}
	for _, id := range ids {
		cp.ids[id] = struct{}{}
	}
	return cp, nil
}

func (c *Checkpoint) Has(id string) bool {
	_, ok := c.ids[id]
	return ok
}

func (c *Checkpoint) Add(id string) {
	c.ids[id] = struct{}{}
}

func (c *Checkpoint) Len() int {
	return len(c.ids)
}

// Save persists the set atomically: the ids are written to a temp file in
// the same directory and renamed over the checkpoint, so readers never see
// a partial write.
func (c *Checkpoint) Save() error {
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), checkpointFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
