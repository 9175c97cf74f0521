package privilege

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the static configuration of privileges and the external role
// table used by group sync.
type Catalog struct {
	Privileges []Declaration       `yaml:"privileges"`
	Roles      map[string][]string `yaml:"roles"`
}

// DefaultCatalog returns the catalogue compiled into the binary.
func DefaultCatalog() (Catalog, error) {
	return ReadCatalog(bytes.NewReader(defaultCatalog))
}

// LoadCatalog reads a catalogue from path, or the default when path is empty.
func LoadCatalog(path string) (Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCatalog()
	}
	f, err := os.Open(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("open privilege catalog: %w", err)
	}
	defer f.Close()
	return ReadCatalog(f)
}

// ReadCatalog decodes a YAML catalogue. Unknown fields are rejected.
func ReadCatalog(r io.Reader) (Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("decode privilege catalog: %w", err)
	}
	if len(c.Privileges) == 0 {
		return Catalog{}, fmt.Errorf("privilege catalog declares no privileges")
	}
	return c, nil
}

// Graph builds the implication graph and checks that every role maps onto
// declared labels.
func (c Catalog) Graph() (*Graph, error) {
	g, err := Build(c.Privileges)
	if err != nil {
		return nil, err
	}
	for role, labels := range c.Roles {
		for _, label := range labels {
			if !g.Exists(label) {
				return nil, fmt.Errorf("privilege: role %q maps to undeclared label %q", role, label)
			}
		}
	}
	return g, nil
}
