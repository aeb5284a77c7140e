package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"airbridge/internal/apperrors"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("Load = %v, want empty map", m)
	}
}

func TestLoadEmptyFileWarnsAndStartsFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(dir, nil)
	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 0 {
		t.Errorf("Load = %v, want empty map", m)
	}
}

func TestLoadMalformedFileIsFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(`{"job": [`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewStore(dir, nil)
	_, err := s.Load()
	if !errors.Is(err, apperrors.ErrManifestCorrupt) {
		t.Errorf("err = %v, want ErrManifestCorrupt", err)
	}
}

func TestAppendPreservesHistory(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)

	first := Entry{JobID: "faker", Source: "airbyte/source-faker", DataFile: "/out/data_100.json", Timestamp: 100}
	second := Entry{JobID: "faker", Source: "airbyte/source-faker", DataFile: "/out/data_200.json", Timestamp: 200}

	if err := s.Append("key-a", first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append("key-a", second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	m, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m["key-a"]) != 2 {
		t.Fatalf("got %d entries, want 2", len(m["key-a"]))
	}
	if m["key-a"][0].DataFile != "/out/data_100.json" {
		t.Errorf("first entry = %+v, history reordered", m["key-a"][0])
	}
}

func TestAppendKeepsOtherJobs(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	if err := s.Append("key-a", Entry{JobID: "a", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("key-b", Entry{JobID: "b", Timestamp: 2}); err != nil {
		t.Fatal(err)
	}

	m, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 2 || len(m["key-a"]) != 1 || len(m["key-b"]) != 1 {
		t.Errorf("manifest = %v, want both jobs intact", m)
	}
}

func TestLatestIsByTimestampNotPosition(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	// Appended out of order: newest first.
	for _, e := range []Entry{
		{JobID: "faker", StateFilePath: "/out/300/state.json", Timestamp: 300},
		{JobID: "faker", StateFilePath: "/out/100/state.json", Timestamp: 100},
		{JobID: "faker", StateFilePath: "/out/200/state.json", Timestamp: 200},
	} {
		if err := s.Append("key", e); err != nil {
			t.Fatal(err)
		}
	}

	got, ok, err := s.Latest("key")
	if err != nil || !ok {
		t.Fatalf("Latest = (%+v, %v, %v)", got, ok, err)
	}
	if got.Timestamp != 300 {
		t.Errorf("Latest.Timestamp = %d, want 300", got.Timestamp)
	}

	path, err := s.LatestStatePath("key")
	if err != nil {
		t.Fatalf("LatestStatePath: %v", err)
	}
	if path != "/out/300/state.json" {
		t.Errorf("LatestStatePath = %q, want /out/300/state.json", path)
	}
}

func TestLatestUnknownJob(t *testing.T) {
	t.Parallel()

	s := NewStore(t.TempDir(), nil)
	_, ok, err := s.Latest("nope")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if ok {
		t.Error("Latest should report no entry for unknown job")
	}

	path, err := s.LatestStatePath("nope")
	if err != nil || path != "" {
		t.Errorf("LatestStatePath = (%q, %v), want empty", path, err)
	}
}

func TestJobKeyPrefersConfigHash(t *testing.T) {
	t.Parallel()

	if got := JobKey("job-1", "d41d8cd98f00b204e9800998ecf8427e"); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("JobKey with hash = %q", got)
	}
	if got := JobKey("job-1", ""); got != "job-1" {
		t.Errorf("JobKey without hash = %q", got)
	}
}
