// Package definition loads workflow definitions from YAML, validates their
// structure, and serves them through a cached, tenant scoped registry.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/kazi/model"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DefinitionFile.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var files []model.DefinitionFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse decodes YAML bytes into a DefinitionFile, recording source as its
// origin. Each definition gets its topology checksum.
func (l *Loader) Parse(data []byte, source string) (model.DefinitionFile, error) {
	var f model.DefinitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	for i := range f.Definitions {
		f.Definitions[i].Checksum = f.Definitions[i].ComputeChecksum()
	}
	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = source

	return f, nil
}

// Flatten returns the definitions of all files in order.
func Flatten(files []model.DefinitionFile) []model.WorkflowDefinition {
	var defs []model.WorkflowDefinition
	for _, f := range files {
		defs = append(defs, f.Definitions...)
	}
	return defs
}
