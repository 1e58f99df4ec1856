package infra

import (
	"github.com/pkg/errors"
)

// Registry holds the endpoints the client talks to. It is read-only once built.
type Registry struct {
	Endorsers []Node
	Orderer   Node
	Events    []Node
}

func NewRegistry(c *Config) *Registry {
	r := &Registry{
		Endorsers: make([]Node, len(c.Endorsers)),
		Orderer:   c.Orderer,
		Events:    make([]Node, len(c.Events)),
	}
	copy(r.Endorsers, c.Endorsers)
	copy(r.Events, c.Events)
	return r
}

// EndorserAddresses lists every known endorser in configuration order
func (r *Registry) EndorserAddresses() []string {
	addresses := make([]string, len(r.Endorsers))
	for i, n := range r.Endorsers {
		addresses[i] = n.Address
	}
	return addresses
}

// Targets resolves the requested endorser addresses, keeping their order.
// No address means every known endorser.
func (r *Registry) Targets(addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return r.EndorserAddresses(), nil
	}

	known := make(map[string]struct{}, len(r.Endorsers))
	for _, n := range r.Endorsers {
		known[n.Address] = struct{}{}
	}

	seen := make(map[string]struct{}, len(addresses))
	targets := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := known[a]; !ok {
			return nil, errors.Errorf("unknown endorser %s", a)
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		targets = append(targets, a)
	}
	return targets, nil
}
