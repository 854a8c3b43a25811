package feed

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Registry holds all configured feed sources, immutable after load.
type Registry struct {
	sources map[string]*Source
	order   []string // insertion order for deterministic iteration
}

type sourcesFile struct {
	Sources []*Source `yaml:"sources"`
}

// Load reads and validates a sources.yaml file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: read sources file %s", path)
	}
	return Parse(data)
}

// Parse builds a registry from raw YAML.
func Parse(data []byte) (*Registry, error) {
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "feed: unmarshal sources")
	}
	if len(file.Sources) == 0 {
		return nil, eris.New("feed: no sources configured")
	}
	return NewRegistry(file.Sources)
}

// NewRegistry validates the given sources and indexes them by ID.
func NewRegistry(sources []*Source) (*Registry, error) {
	validate := validator.New()

	r := &Registry{sources: make(map[string]*Source, len(sources))}
	for _, src := range sources {
		if err := validate.Struct(src); err != nil {
			return nil, eris.Wrapf(err, "feed: invalid source %q", src.ID)
		}

		format, err := ParseFormat(src.RawFormat)
		if err != nil {
			return nil, eris.Wrapf(err, "feed: source %q", src.ID)
		}
		src.Format = format

		if err := src.Cadence.Validate(); err != nil {
			return nil, eris.Wrapf(err, "feed: source %q", src.ID)
		}

		if _, err := src.Location(); err != nil {
			return nil, err
		}

		if _, dup := r.sources[src.ID]; dup {
			return nil, eris.Errorf("feed: duplicate source id %q", src.ID)
		}
		r.sources[src.ID] = src
		r.order = append(r.order, src.ID)
	}
	return r, nil
}

// Get returns a source by dataset ID.
func (r *Registry) Get(id string) (*Source, error) {
	src, ok := r.sources[id]
	if !ok {
		return nil, eris.Errorf("feed: unknown source %q", id)
	}
	return src, nil
}

// All returns all sources in configuration order.
func (r *Registry) All() []*Source {
	out := make([]*Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

// IDs returns all source IDs in configuration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
