package provider

import (
	"sort"
	"strings"

	"github.com/comigor/chatgw-go/internal/config"
)

// Registry is the immutable provider table built once at startup. It owns
// provider selection: explicit argument first, then the model-prefix table,
// then the configured default.
type Registry struct {
	providers map[Kind]Provider
	prefixes  []prefixRule
	def       Kind
}

type prefixRule struct {
	prefix string
	kind   Kind
}

// NewRegistry builds the adapter for every configured provider. Unknown
// provider ids and dangling prefix mappings are configuration errors.
func NewRegistry(cfg config.LLMConfig) (*Registry, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		p, err := newAdapter(Kind(id), pc)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return NewRegistryWith(cfg.DefaultProvider, cfg.ModelPrefixes, providers...)
}

// NewRegistryWith assembles a registry from prebuilt providers. The default
// and every prefix target must be among them.
func NewRegistryWith(def string, prefixes map[string]string, providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[Kind]Provider, len(providers)),
		def:       Kind(def),
	}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}

	if _, ok := r.providers[r.def]; !ok {
		return nil, Errorf("", ErrKindConfiguration, "default provider %q is not configured", def)
	}

	for prefix, id := range prefixes {
		if _, ok := r.providers[Kind(id)]; !ok {
			return nil, Errorf("", ErrKindConfiguration, "model prefix %q maps to unconfigured provider %q", prefix, id)
		}
		r.prefixes = append(r.prefixes, prefixRule{prefix: prefix, kind: Kind(id)})
	}
	// Longest prefix wins, so "gpt-4" can route differently from "gpt-".
	sort.Slice(r.prefixes, func(i, j int) bool {
		if len(r.prefixes[i].prefix) != len(r.prefixes[j].prefix) {
			return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
		}
		return r.prefixes[i].prefix < r.prefixes[j].prefix
	})

	return r, nil
}

func newAdapter(id Kind, pc config.ProviderConfig) (Provider, error) {
	switch id {
	case KindOpenAI:
		return NewOpenAI(pc), nil
	case KindLlama:
		return NewLlama(pc), nil
	case KindOllama:
		return NewOllama(pc), nil
	case KindGemini:
		return NewGemini(pc), nil
	default:
		return nil, Errorf(id, ErrKindConfiguration, "unsupported provider %q", string(id))
	}
}

// Resolve picks the provider for a call: the explicit id when given, else
// the longest matching model prefix, else the default.
func (r *Registry) Resolve(explicit string, model string) (Provider, error) {
	if explicit != "" {
		p, ok := r.providers[Kind(explicit)]
		if !ok {
			return nil, Errorf(Kind(explicit), ErrKindValidation, "unknown provider %q", explicit)
		}
		return p, nil
	}
	if model != "" {
		for _, rule := range r.prefixes {
			if strings.HasPrefix(model, rule.prefix) {
				return r.providers[rule.kind], nil
			}
		}
	}
	return r.providers[r.def], nil
}

// Get returns the provider registered under k.
func (r *Registry) Get(k Kind) (Provider, bool) {
	p, ok := r.providers[k]
	return p, ok
}

var allKinds = []Kind{KindOpenAI, KindLlama, KindOllama, KindGemini}

// Configured reports, for every known provider id, whether it is
// configured. Used by the health surface.
func (r *Registry) Configured() map[string]bool {
	out := make(map[string]bool, len(allKinds))
	for _, k := range allKinds {
		_, ok := r.providers[k]
		out[string(k)] = ok
	}
	return out
}
