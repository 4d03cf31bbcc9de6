package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitnodes/crawld/crawler"
)

// snapshotWriter dumps each epoch's snapshot as a JSON file named by the
// epoch's finish time.
type snapshotWriter struct {
	dir string
}

var _ crawler.SnapshotWriter = (*snapshotWriter)(nil)

func newSnapshotWriter(dir string) *snapshotWriter {
	return &snapshotWriter{dir: dir}
}

// Write persists the snapshot.
//
// This method is part of the crawler.SnapshotWriter interface.
func (w *snapshotWriter) Write(_ context.Context,
	snap *crawler.Snapshot) error {

	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return fmt.Errorf("unable to create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to encode snapshot: %w", err)
	}

	name := filepath.Join(w.dir, fmt.Sprintf("snapshot-%d.json",
		snap.FinishedAt.Unix()))

	// Write to a temp file first so a crash never leaves a truncated
	// snapshot behind under the final name.
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("unable to write snapshot: %w", err)
	}
	return os.Rename(tmp, name)
}
