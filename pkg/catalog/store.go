package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
)

// MetadataStore lists the sources a user can query. Enable and disable flags are managed
// upstream; stores only report them.
type MetadataStore interface {
	ListSources(ctx context.Context, userID string) ([]smartquery.Source, error)
}

// Manifest is the YAML document behind a StaticStore.
type Manifest struct {
	Sources []smartquery.Source `yaml:"sources"`
}

// StaticStore serves a fixed source list. Sources without an owner are visible to every user.
type StaticStore struct {
	sources []smartquery.Source
}

func NewStaticStore(sources []smartquery.Source) (*StaticStore, error) {
	seen := make(map[string]bool, len(sources))
	for i, s := range sources {
		if s.ID == "" {
			return nil, fmt.Errorf("source %d has no id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Kind {
		case smartquery.KindFile, smartquery.KindTable:
		default:
			return nil, fmt.Errorf("source %q has unknown kind %q", s.ID, s.Kind)
		}
	}
	return &StaticStore{sources: sources}, nil
}

// ParseManifest decodes a YAML manifest into a StaticStore.
func ParseManifest(r io.Reader) (*StaticStore, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return NewStaticStore(m.Sources)
}

func LoadManifest(path string) (*StaticStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

func (s *StaticStore) ListSources(ctx context.Context, userID string) ([]smartquery.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []smartquery.Source
	for _, src := range s.sources {
		if src.OwnerID == "" || src.OwnerID == userID {
			out = append(out, src)
		}
	}
	return out, nil
}
