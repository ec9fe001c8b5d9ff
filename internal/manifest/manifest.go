// Package manifest reads batches to enqueue at startup from a YAML file:
//
//	batches:
//	  - id: holiday-2024
//	    title: Holiday videos
//	    files:
//	      - url: https://example.com/a.mp4
//	        path: a.mp4
//	        size: 1.5 GB
package manifest

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/italolelis/batch_downloader/internal/batch"
)

type yamlManifest struct {
	Batches []yamlBatch `yaml:"batches"`
}

type yamlBatch struct {
	ID    string     `yaml:"id"`
	Title string     `yaml:"title"`
	Files []yamlFile `yaml:"files"`
}

type yamlFile struct {
	ID   string `yaml:"id"`
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
	Size string `yaml:"size"` // bytes or a humanized size such as "700 MB"
}

// Load reads and validates the manifest at path.
func Load(path string) ([]batch.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return Parse(data)
}

// Parse decodes a manifest. Every batch must pass batch.Spec validation.
func Parse(data []byte) ([]batch.Spec, error) {
	var m yamlManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	specs := make([]batch.Spec, 0, len(m.Batches))

	for i, yb := range m.Batches {
		spec := batch.Spec{
			ID:    batch.ID(yb.ID),
			Title: yb.Title,
			Files: make([]batch.File, 0, len(yb.Files)),
		}

		for j, yf := range yb.Files {
			var size int64

			if yf.Size != "" {
				n, err := humanize.ParseBytes(yf.Size)
				if err != nil {
					return nil, fmt.Errorf("batches[%d].files[%d].size: %w", i, j, err)
				}

				size = int64(n)
			}

			spec.Files = append(spec.Files, batch.File{
				ID:   batch.FileID(yf.ID),
				URL:  yf.URL,
				Path: yf.Path,
				Size: size,
			})
		}

		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("batches[%d]: %w", i, err)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}
