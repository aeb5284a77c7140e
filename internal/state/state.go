// Package state extracts connector checkpoints from run output. Connector
// output is newline-delimited JSON; lines carrying a "state" key are
// checkpoint markers, everything else is records and trace noise.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"airbridge/internal/apperrors"
)

// FileName is the checkpoint snapshot written next to each data file.
const FileName = "state.json"

// Checkpoint is the per-stream checkpoint payload as emitted by the source.
type Checkpoint map[string]any

// Snapshot maps stream name to its winning checkpoint.
type Snapshot map[string]Checkpoint

// stateLine is the subset of a connector message the extractor reads.
type stateLine struct {
	State *struct {
		Stream struct {
			StreamDescriptor struct {
				Name string `json:"name"`
			} `json:"stream_descriptor"`
		} `json:"stream"`
		Data map[string]json.RawMessage `json:"data"`
	} `json:"state"`
}

// Extract scans r line by line and folds state markers into a snapshot.
// Conflicts between markers for the same stream resolve by the payload's
// "created" value, not by message order. Any malformed line aborts the
// whole extraction with a StateParse error.
func Extract(r io.Reader) (Snapshot, error) {
	snap := Snapshot{}
	scanner := bufio.NewScanner(r)
	// Connector records can be large; 10 MiB per line.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg stateLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, apperrors.StateParse(line, err)
		}
		if msg.State == nil {
			continue
		}

		stream := msg.State.Stream.StreamDescriptor.Name
		payload := Checkpoint{"created": float64(0)}
		if raw, ok := msg.State.Data[stream]; ok {
			var p Checkpoint
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, apperrors.StateParse(line, err)
			}
			payload = p
		}

		existing, seen := snap[stream]
		if !seen || createdOf(payload) > createdOf(existing) {
			snap[stream] = payload
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.StateParse("", err)
	}
	return snap, nil
}

// ExtractFile extracts the snapshot from a data file and persists it as a
// sibling state.json. The snapshot is written even when empty so downstream
// runs can distinguish "ran, no checkpoints" from "never ran".
func ExtractFile(dataPath string) (Snapshot, string, error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening data file %s: %w", dataPath, err)
	}
	defer f.Close()

	snap, err := Extract(f)
	if err != nil {
		return nil, "", err
	}

	statePath := filepath.Join(filepath.Dir(dataPath), FileName)
	if err := Save(snap, statePath); err != nil {
		return nil, "", err
	}
	return snap, statePath, nil
}

// Save writes the snapshot as JSON at path, creating parent directories.
func Save(snap Snapshot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing state snapshot %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot reads a previously saved snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing state snapshot %s: %w", path, err)
	}
	return snap, nil
}

// FindDataFiles walks root for data files produced by the given run
// (data_<runID>.json) and returns their paths.
func FindDataFiles(root, runID string) ([]string, error) {
	want := "data_" + runID + ".json"
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == want {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking output tree %s: %w", root, err)
	}
	return paths, nil
}

func createdOf(c Checkpoint) float64 {
	if v, ok := c["created"]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}
