package job

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// jobsFile is the on-disk shape of a job definition list.
type jobsFile struct {
	Jobs []Job `json:"jobs" yaml:"jobs"`
}

// Parse decodes a job definition document (YAML or JSON) and validates
// every entry. Duplicate IDs are rejected.
func Parse(data []byte) ([]Job, error) {
	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing job definitions: %w", err)
	}
	seen := make(map[string]bool, len(f.Jobs))
	for _, j := range f.Jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if seen[j.ID] {
			return nil, fmt.Errorf("duplicate job id %s", j.ID)
		}
		seen[j.ID] = true
	}
	return f.Jobs, nil
}

// LoadFile reads and parses the job definition file at path.
func LoadFile(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job definitions %s: %w", path, err)
	}
	return Parse(data)
}

// Enabled filters to the jobs eligible for scheduling.
func Enabled(jobs []Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}
