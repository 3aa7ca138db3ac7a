package provider

import (
	"fmt"
	"sort"

	entity "marketpay/internal/entity"
)

// Kind is the closed set of providers the service knows how to build.
type Kind string

const (
	KindMock     Kind = "mock"
	KindYooMoney Kind = "yoomoney"
)

const DefaultKind = KindMock

var knownKinds = map[Kind]struct{}{
	KindMock:     {},
	KindYooMoney: {},
}

// ParseKind validates a provider name. The empty name selects DefaultKind.
func ParseKind(name string) (Kind, error) {
	if name == "" {
		return DefaultKind, nil
	}
	k := Kind(name)
	if _, ok := knownKinds[k]; !ok {
		return "", entity.ValidationError("unknown payment provider %q", name)
	}
	return k, nil
}

// Registry holds the providers enabled for this process. It is populated
// once at startup and only read afterwards.
type Registry struct {
	providers map[Kind]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[Kind]Provider, len(providers))}
	for _, p := range providers {
		k := p.Kind()
		if _, ok := knownKinds[k]; !ok {
			return nil, fmt.Errorf("provider kind %q is not supported", k)
		}
		if _, dup := r.providers[k]; dup {
			return nil, fmt.Errorf("provider %q registered twice", k)
		}
		r.providers[k] = p
	}
	if _, ok := r.providers[KindMock]; !ok {
		return nil, fmt.Errorf("provider %q must always be registered", KindMock)
	}
	return r, nil
}

func (r *Registry) Resolve(k Kind) (Provider, error) {
	p, ok := r.providers[k]
	if !ok {
		return nil, entity.ValidationError("payment provider %q is not available", k)
	}
	return p, nil
}

// ResolveName parses name and resolves it in one step.
func (r *Registry) ResolveName(name string) (Provider, error) {
	k, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	return r.Resolve(k)
}

func (r *Registry) Has(k Kind) bool {
	_, ok := r.providers[k]
	return ok
}

// Kinds returns the registered kinds in a stable order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
