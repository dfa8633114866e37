package sandbox

import (
	"errors"
	"fmt"
	"sort"

	"github.com/isdmx/execbox/config"
)

// ErrUnsupportedLanguage is returned for selectors outside the registry.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Registry is the immutable set of supported languages, keyed by name.
type Registry struct {
	languages map[string]*Language
}

// NewRegistry creates a Registry from the given languages.
func NewRegistry(languages ...*Language) *Registry {
	r := &Registry{languages: make(map[string]*Language, len(languages))}
	for _, lang := range languages {
		r.languages[lang.Name] = lang
	}
	return r
}

// NewRegistryFromConfig builds a Registry from the languages section.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	languages := make([]*Language, 0, len(cfg.Languages))
	for name, c := range cfg.Languages {
		lang, err := NewLanguage(name, c)
		if err != nil {
			return nil, err
		}
		languages = append(languages, lang)
	}

	if len(languages) == 0 {
		return nil, fmt.Errorf("no languages configured")
	}

	return NewRegistry(languages...), nil
}

// Lookup resolves a language selector. Matching ignores case and
// surrounding whitespace.
func (r *Registry) Lookup(name string) (*Language, error) {
	lang, ok := r.languages[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	return lang, nil
}

// Names returns the supported language names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.languages))
	for name := range r.languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
