// Package catalog classifies module hardware ids into slic types, protocols,
// IOM groups and default port roles.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/limiquantix/modmgmt/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Entry classifies one hardware unique id.
type Entry struct {
	ID       uint32            `yaml:"id"`
	Slic     domain.SlicType   `yaml:"slic"`
	Label    string            `yaml:"label"`
	Protocol domain.Protocol   `yaml:"protocol"`
	Group    domain.IOMGroup   `yaml:"group"`
	Role     domain.Role       `yaml:"role"`
	Limit    string            `yaml:"limit"`
	Ports    int               `yaml:"ports"`
	Upgrades []domain.IOMGroup `yaml:"upgrades"`
}

// UpgradesFrom reports whether this entry's group replaces old in place.
func (e Entry) UpgradesFrom(old domain.IOMGroup) bool {
	for _, g := range e.Upgrades {
		if g == old {
			return true
		}
	}
	return false
}

// Catalog maps hardware ids to classifications.
type Catalog struct {
	entries map[uint32]Entry
	byGroup map[domain.IOMGroup]Entry
}

type catalogFile struct {
	Entries []Entry `yaml:"entries"`
}

// Load reads a catalog file, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
	}
	return Parse(data)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	c := &Catalog{
		entries: make(map[uint32]Entry, len(f.Entries)),
		byGroup: make(map[domain.IOMGroup]Entry),
	}
	for _, e := range f.Entries {
		if _, dup := c.entries[e.ID]; dup {
			return nil, fmt.Errorf("%w: catalog id %#x listed twice", domain.ErrInvalidArgument, e.ID)
		}
		if e.Slic == "" {
			return nil, fmt.Errorf("%w: catalog id %#x has no slic type", domain.ErrInvalidArgument, e.ID)
		}
		if e.Protocol == "" {
			e.Protocol = domain.ProtocolUnknown
		}
		c.entries[e.ID] = e
		if _, seen := c.byGroup[e.Group]; !seen && e.Group.Known() {
			c.byGroup[e.Group] = e
		}
	}
	return c, nil
}

// Classify returns the entry of a hardware id. Unknown ids classify as
// SlicUnknown with no ports.
func (c *Catalog) Classify(id uint32) (Entry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return Entry{ID: id, Slic: domain.SlicUnknown, Protocol: domain.ProtocolUnknown}, false
	}
	return e, true
}

// Group returns a representative entry of an IOM group.
func (c *Catalog) Group(g domain.IOMGroup) (Entry, bool) {
	e, ok := c.byGroup[g]
	return e, ok
}
