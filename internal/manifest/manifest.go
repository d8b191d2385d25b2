// Package manifest reads conversion job lists from YAML manifests and plain
// SQL files.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sqlshift/sqlshift/internal/core"
)

// Defaults fill fields an entry leaves empty.
type Defaults struct {
	Kind          core.ObjectKind `yaml:"kind" json:"kind,omitempty"`
	SourceDialect string          `yaml:"source_dialect" json:"source_dialect,omitempty"`
	TargetDialect string          `yaml:"target_dialect" json:"target_dialect,omitempty"`
}

// Entry is one job in a manifest. Exactly one of Source or File is set.
type Entry struct {
	ID            string          `yaml:"id"`
	Name          string          `yaml:"name"`
	Kind          core.ObjectKind `yaml:"kind"`
	Source        string          `yaml:"source"`
	File          string          `yaml:"file"`
	SourceDialect string          `yaml:"source_dialect"`
	TargetDialect string          `yaml:"target_dialect"`
}

// Manifest is the parsed job file.
type Manifest struct {
	Defaults Defaults `yaml:"defaults"`
	Jobs     []Entry  `yaml:"jobs"`

	source  string
	baseDir string
}

// Item is a resolved manifest entry.
type Item struct {
	ID      string
	Payload core.Payload
}

// Load reads a manifest from disk. Relative file entries resolve against the
// manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- manifest path is user-provided
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(path, data, filepath.Dir(path))
}

// Parse decodes manifest YAML. Unknown keys are rejected.
func Parse(source string, data []byte, baseDir string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("manifest %s is empty", source)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var m Manifest
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", source, err)
	}
	if len(m.Jobs) == 0 {
		return nil, fmt.Errorf("manifest %s has no jobs", source)
	}

	m.source = source
	m.baseDir = baseDir
	return &m, nil
}

// Items resolves every entry against the manifest defaults and the
// overrides, which win over both. Override fields left empty are ignored.
func (m *Manifest) Items(overrides Defaults) ([]Item, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is nil")
	}

	defaults := m.Defaults
	seen := make(map[string]int, len(m.Jobs))
	items := make([]Item, 0, len(m.Jobs))

	for i, entry := range m.Jobs {
		position := i + 1
		source, err := m.entrySource(entry)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", position, err)
		}

		name := strings.TrimSpace(entry.Name)
		if name == "" && entry.File != "" {
			name = nameFromPath(entry.File)
		}

		payload := core.Payload{
			Name:          name,
			Kind:          firstKind(overrides.Kind, entry.Kind, defaults.Kind),
			Source:        source,
			SourceDialect: firstString(overrides.SourceDialect, entry.SourceDialect, defaults.SourceDialect),
			TargetDialect: firstString(overrides.TargetDialect, entry.TargetDialect, defaults.TargetDialect),
		}
		if err := Validate(payload); err != nil {
			return nil, fmt.Errorf("job %d: %w", position, err)
		}

		id := strings.TrimSpace(entry.ID)
		if id != "" {
			if prev, dup := seen[id]; dup {
				return nil, fmt.Errorf("job %d: id %q already used by job %d", position, id, prev)
			}
			seen[id] = position
		}

		items = append(items, Item{ID: id, Payload: payload})
	}

	return items, nil
}

func (m *Manifest) entrySource(entry Entry) (string, error) {
	inline := strings.TrimSpace(entry.Source)
	file := strings.TrimSpace(entry.File)

	switch {
	case inline != "" && file != "":
		return "", fmt.Errorf("source and file are mutually exclusive")
	case inline != "":
		return inline, nil
	case file == "":
		return "", fmt.Errorf("source or file is required")
	}

	if !filepath.IsAbs(file) && m.baseDir != "" {
		file = filepath.Join(m.baseDir, file)
	}
	data, err := os.ReadFile(file) // #nosec G304 -- paths come from the user's manifest
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// FromFiles builds one item per SQL file, named after the file. A path of
// "-" reads standard input.
func FromFiles(paths []string, stdin io.Reader, defaults Defaults) ([]Item, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one input file is required")
	}

	items := make([]Item, 0, len(paths))
	for _, path := range paths {
		var (
			data []byte
			err  error
			name string
		)
		if path == "-" {
			if stdin == nil {
				return nil, fmt.Errorf("stdin is not available")
			}
			data, err = io.ReadAll(stdin)
			name = "stdin"
		} else {
			data, err = os.ReadFile(path) // #nosec G304 -- input path is user-provided
			name = nameFromPath(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		payload := core.Payload{
			Name:          name,
			Kind:          defaults.Kind,
			Source:        strings.TrimSpace(string(data)),
			SourceDialect: defaults.SourceDialect,
			TargetDialect: defaults.TargetDialect,
		}
		if err := Validate(payload); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		items = append(items, Item{Payload: payload})
	}
	return items, nil
}

// Jobs turns items into pending jobs. Items without an id get a UUID.
func Jobs(items []Item) []core.Job {
	jobs := make([]core.Job, 0, len(items))
	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		jobs = append(jobs, core.NewJob(id, item.Payload))
	}
	return jobs
}

// Validate checks that a payload is complete enough to submit.
func Validate(payload core.Payload) error {
	switch {
	case strings.TrimSpace(payload.Name) == "":
		return fmt.Errorf("name is required")
	case strings.TrimSpace(payload.Source) == "":
		return fmt.Errorf("source is empty")
	case strings.TrimSpace(payload.SourceDialect) == "":
		return fmt.Errorf("source dialect is required")
	case strings.TrimSpace(payload.TargetDialect) == "":
		return fmt.Errorf("target dialect is required")
	}

	switch payload.Kind {
	case "", core.KindTable, core.KindView, core.KindProcedure, core.KindQuery:
		return nil
	default:
		return fmt.Errorf("unknown object kind %q", payload.Kind)
	}
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func firstString(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstKind(values ...core.ObjectKind) core.ObjectKind {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
