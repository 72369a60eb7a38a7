package fup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// ManifestFile is the manifest name inside the image directory.
const ManifestFile = "manifest.yaml"

// Image is one firmware image available for a module type.
type Image struct {
	Slic     domain.SlicType `yaml:"slic" json:"slic"`
	Revision string          `yaml:"revision" json:"revision"`
	File     string          `yaml:"file" json:"file"`
}

// Manifest lists the images of an image directory.
type Manifest struct {
	dir    string
	Images []Image `yaml:"images"`
}

// LoadManifest reads the manifest of dir. A missing manifest yields an empty
// one.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{dir: dir}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse firmware manifest: %w", err)
	}
	for i, img := range m.Images {
		if img.Slic == "" || img.Revision == "" || img.File == "" {
			return nil, fmt.Errorf("%w: manifest image %d is incomplete", domain.ErrInvalidArgument, i)
		}
	}
	return m, nil
}

// Lookup returns the image for a slic type.
func (m *Manifest) Lookup(slic domain.SlicType) (Image, bool) {
	for _, img := range m.Images {
		if img.Slic == slic {
			return img, true
		}
	}
	return Image{}, false
}

// Read returns the content of an image file.
func (m *Manifest) Read(img Image) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, img.File))
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware image %s: %w", img.File, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: firmware image %s is empty", domain.ErrInvalidArgument, img.File)
	}
	return data, nil
}
