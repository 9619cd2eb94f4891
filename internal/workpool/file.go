package workpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"poolplane/internal/store"

	"gopkg.in/yaml.v3"
)

type poolFile struct {
	WorkPools []poolDocument `yaml:"work_pools"`
}

type poolDocument struct {
	Name             string                `yaml:"name"`
	Type             string                `yaml:"type"`
	BaseJobTemplate  store.BaseJobTemplate `yaml:"base_job_template"`
	DefaultVariables map[string]any        `yaml:"default_variables"`
}

// FileSource serves pool definitions from a YAML file. The file is re-read
// on every lookup so edits are picked up by the registry's refresh cycle.
type FileSource struct {
	path string
}

// NewFileSource returns a source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// GetWorkPool implements Source.
func (f *FileSource) GetWorkPool(_ context.Context, name string) (*store.WorkPool, error) {
	pools, err := f.load()
	if err != nil {
		return nil, err
	}
	for i := range pools {
		if pools[i].Name == name {
			return &pools[i], nil
		}
	}
	return nil, fmt.Errorf("work pool %s: %w", name, store.ErrNotFound)
}

// ListWorkPools returns every pool in the file.
func (f *FileSource) ListWorkPools(_ context.Context) ([]store.WorkPool, error) {
	return f.load()
}

func (f *FileSource) load() ([]store.WorkPool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool file: %w", err)
	}
	pools, err := ParsePools(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool file %s: %w", f.path, err)
	}

	info, err := os.Stat(f.path)
	if err == nil {
		for i := range pools {
			pools[i].UpdatedAt = info.ModTime()
		}
	}
	return pools, nil
}

// ParsePools decodes a YAML document holding a work_pools list.
func ParsePools(data []byte) ([]store.WorkPool, error) {
	var doc poolFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	pools := make([]store.WorkPool, 0, len(doc.WorkPools))
	seen := make(map[string]bool, len(doc.WorkPools))
	for _, d := range doc.WorkPools {
		if d.Name == "" {
			return nil, errors.New("work pool without a name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate work pool %q", d.Name)
		}
		seen[d.Name] = true

		typ := d.Type
		if typ == "" {
			typ = "kubernetes"
		}
		pools = append(pools, store.WorkPool{
			Name:             d.Name,
			Type:             typ,
			BaseJobTemplate:  d.BaseJobTemplate,
			DefaultVariables: d.DefaultVariables,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return pools, nil
}

// ParseTemplate decodes a single base job template from YAML or JSON.
func ParseTemplate(data []byte) (store.BaseJobTemplate, error) {
	var tmpl store.BaseJobTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return store.BaseJobTemplate{}, fmt.Errorf("failed to parse base job template: %w", err)
	}
	if len(tmpl.JobConfiguration) == 0 {
		return store.BaseJobTemplate{}, errors.New("base job template has no job_configuration")
	}
	return tmpl, nil
}
