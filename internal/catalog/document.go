package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"equinecore/internal/blob/core"
	"equinecore/pkg/domain"

	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a catalog.
type Document struct {
	Version       int                          `json:"version" yaml:"version"`
	Traits        []domain.TraitDefinition     `json:"traits" yaml:"traits"`
	Windows       []domain.WindowDefinition    `json:"windows" yaml:"windows"`
	Relationships []domain.Relationship        `json:"relationships" yaml:"relationships"`
	Milestones    []domain.MilestoneDefinition `json:"milestones" yaml:"milestones"`
}

// Format identifies the encoding of a catalog document.
type Format string

// Supported document formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatForKey picks a format from a file or blob key extension.
func FormatForKey(key string) Format {
	switch strings.ToLower(path.Ext(key)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Decode parses a document. Unknown fields are rejected so typos in catalog
// files fail at startup.
func Decode(data []byte, format Format) (Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return Document{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalid, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return Document{}, fmt.Errorf("%w: decode json: %v", ErrInvalid, err)
		}
	default:
		return Document{}, fmt.Errorf("%w: unsupported format %q", ErrInvalid, format)
	}
	return doc, nil
}

// Load decodes and validates a catalog.
func Load(data []byte, format Format) (*Catalog, error) {
	doc, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return New(doc)
}

// DefaultDocument returns the embedded default catalog document.
func DefaultDocument() Document {
	doc, err := Decode(defaultCatalog, FormatYAML)
	if err != nil {
		panic(err)
	}
	return doc
}

// Default returns the embedded default catalog. It panics if the embedded data
// is invalid, which is a build defect.
func Default() *Catalog {
	return MustNew(DefaultDocument())
}

// Encode serializes a document in the given format.
func Encode(doc Document, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	}
	return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalid, format)
}

// LoadFromBlob reads a catalog document from a blob store key.
func LoadFromBlob(ctx context.Context, store core.Store, key string) (*Catalog, error) {
	_, data, err := core.ReadAll(ctx, store, key)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", key, err)
	}
	return Load(data, FormatForKey(key))
}

// Publish validates doc and writes it to key in the format implied by the key.
func Publish(ctx context.Context, store core.Store, key string, doc Document, overwrite bool) (core.Object, error) {
	if _, err := New(doc); err != nil {
		return core.Object{}, err
	}
	format := FormatForKey(key)
	data, err := Encode(doc, format)
	if err != nil {
		return core.Object{}, err
	}
	contentType := "application/json"
	if format == FormatYAML {
		contentType = "application/yaml"
	}
	obj, err := store.Put(ctx, key, bytes.NewReader(data), core.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"catalog-version": fmt.Sprint(doc.Version)},
		Overwrite:   overwrite,
	})
	if err != nil {
		return core.Object{}, fmt.Errorf("publish catalog %s: %w", key, err)
	}
	return obj, nil
}
