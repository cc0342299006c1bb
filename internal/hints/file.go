package hints

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"

	"loadplan/internal/schemamap"
)

// File is the YAML document declaring interfaces, computed attributes and
// field hints.
//
//	interfaces:
//	  - name: Media
//	    types: [Album, Song]
//	computed:
//	  - type: Album
//	    name: label
//	    template: "{{.name}} ({{.release_date}})"
//	    projection: [name, release_date]
//	fields:
//	  - type: Song
//	    field: name
//	    joins: [album]
type File struct {
	Interfaces []InterfaceDecl `yaml:"interfaces"`
	Computed   []ComputedDecl  `yaml:"computed"`
	Fields     []FieldDecl     `yaml:"fields"`
}

// InterfaceDecl declares an interface over existing types.
type InterfaceDecl struct {
	Name  string   `yaml:"name"`
	Types []string `yaml:"types"`
}

// ComputedDecl declares a computed attribute. Its template is executed with
// the record's columns keyed by column name.
type ComputedDecl struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Hint     `yaml:",inline"`
}

// FieldDecl attaches a hint to an existing field.
type FieldDecl struct {
	Type  string `yaml:"type"`
	Field string `yaml:"field"`
	Hint  `yaml:",inline"`
}

// Parse decodes a hints document, rejecting unknown keys.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &file, nil
		}
		return nil, fmt.Errorf("failed to parse hints: %w", err)
	}
	return &file, nil
}

// LoadFile reads and parses a hints document from disk.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hints file: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Apply registers the document's interfaces and computed attributes on the
// unfrozen registry and returns a store holding its hints. The caller freezes
// the registry and then the store.
func (f *File) Apply(reg *schemamap.Registry) (*Store, error) {
	store := NewStore()
	if f == nil {
		return store, nil
	}

	for _, iface := range f.Interfaces {
		if err := reg.AddInterface(iface.Name, iface.Types...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHint, err)
		}
	}

	for _, c := range f.Computed {
		if _, err := template.New(c.Type + "." + c.Name).Option("missingkey=zero").Parse(c.Template); err != nil {
			return nil, fmt.Errorf("%w: computed %s.%s: %v", ErrInvalidHint, c.Type, c.Name, err)
		}
		if err := reg.AddField(c.Type, schemamap.FieldDescriptor{
			Name:     c.Name,
			Kind:     schemamap.KindComputed,
			Template: c.Template,
			Nullable: true,
		}); err != nil {
			return nil, fmt.Errorf("%w: computed %s.%s: %v", ErrInvalidHint, c.Type, c.Name, err)
		}
		hint := c.Hint
		if err := store.Register(c.Type, c.Name, &hint); err != nil {
			return nil, err
		}
	}

	for _, fd := range f.Fields {
		hint := fd.Hint
		if err := store.Register(fd.Type, fd.Field, &hint); err != nil {
			return nil, err
		}
	}
	return store, nil
}
