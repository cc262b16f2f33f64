// Package widget publishes the display snapshot to the shared file the
// home-screen widget reads.
package widget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/safetrail/client/internal/trip"
)

// Writer writes the flattened snapshot to a shared path. The write is
// atomic (temp file + rename) so the widget never observes a partial
// document; the surface is push-only and read by the widget on its own
// cadence.
type Writer struct {
	path string
}

// NewWriter creates a snapshot writer targeting the given file path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write replaces the published snapshot.
func (w *Writer) Write(snapshot trip.Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding widget snapshot: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating widget directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

// Clear removes the published snapshot.
func (w *Writer) Clear() error {
	err := os.Remove(w.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Read loads a published snapshot. The widget extension uses this on its
// refresh cadence; tests use it to observe writes.
func Read(path string) (*trip.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var snapshot trip.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding widget snapshot: %w", err)
	}
	return &snapshot, nil
}
