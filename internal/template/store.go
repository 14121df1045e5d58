// Package template keeps the virtual host templates and resolves which one
// answers for an address.
package template

import (
	"errors"
	"fmt"
	"iter"
	"net/netip"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/pkg/types"
)

// DefaultName is the template that answers IPv4 traffic nothing else claims.
const DefaultName = "default"

var (
	ErrExists   = errors.New("template: template exists")
	ErrNotFound = errors.New("template: no such template")
	ErrBound    = errors.New("template: address already bound")
)

type binding struct {
	net  netip.Prefix
	tmpl *types.Template
}

// Store maps addresses to templates. Single addresses bind a private clone
// of the named template; wider prefixes share it. Lookups prefer an exact
// address, then the longest matching prefix.
//
// A Store is filled at startup and afterwards only touched by the reactor,
// which also adds the hosts created by random host mode.
type Store struct {
	named map[string]*types.Template
	hosts map[netip.Addr]*types.Template
	nets  *btree.BTreeG[binding]
	def   *types.Template
}

// New creates an empty store.
func New() *Store {
	return &Store{
		named: make(map[string]*types.Template),
		hosts: make(map[netip.Addr]*types.Template),
		nets: btree.NewG(8, func(a, b binding) bool {
			if a.net.Bits() != b.net.Bits() {
				return a.net.Bits() > b.net.Bits()
			}
			return a.net.Addr().Less(b.net.Addr())
		}),
	}
}

// Define registers a named template. The template called DefaultName also
// becomes the fallback of FindBest.
func (s *Store) Define(t *types.Template) error {
	if t == nil || t.Name == "" {
		return errors.New("template: unnamed template")
	}
	if _, ok := s.named[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, t.Name)
	}
	s.named[t.Name] = t
	if t.Name == DefaultName {
		s.def = t
	}
	return nil
}

// Lookup returns the named template, or nil.
func (s *Store) Lookup(name string) *types.Template { return s.named[name] }

// Bind attaches the template name to p and returns the template that now
// answers for it.
func (s *Store) Bind(p netip.Prefix, name string) (*types.Template, error) {
	t := s.named[name]
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p = p.Masked()
	if p.IsSingleIP() {
		c := t.Clone(p.Addr().String())
		if err := s.Add(p.Addr(), c); err != nil {
			return nil, err
		}
		return c, nil
	}
	b := binding{net: p, tmpl: t}
	if s.nets.Has(b) {
		return nil, fmt.Errorf("%w: %s", ErrBound, p)
	}
	s.nets.ReplaceOrInsert(b)
	log.WithFields(log.Fields{"net": p, "template": name}).Debug("Bound template")
	return t, nil
}

// Add binds t to a single address.
func (s *Store) Add(addr netip.Addr, t *types.Template) error {
	if _, ok := s.hosts[addr]; ok {
		return fmt.Errorf("%w: %s", ErrBound, addr)
	}
	s.hosts[addr] = t
	log.WithFields(log.Fields{"addr": addr, "template": t.Name}).Debug("Bound template")
	return nil
}

// Find returns the template bound to addr, or nil.
func (s *Store) Find(addr netip.Addr) *types.Template {
	if t, ok := s.hosts[addr]; ok {
		return t
	}
	var found *types.Template
	s.nets.Ascend(func(b binding) bool {
		if b.net.Contains(addr) {
			found = b.tmpl
			return false
		}
		return true
	})
	return found
}

// FindBest returns the template bound to addr, or the default template for
// IPv4 addresses.
func (s *Store) FindBest(addr netip.Addr, _ []byte) *types.Template {
	if t := s.Find(addr); t != nil {
		return t
	}
	if addr.Is4() {
		return s.def
	}
	return nil
}

// Hosts iterates over the single address bindings.
func (s *Store) Hosts() iter.Seq2[netip.Addr, *types.Template] {
	return func(yield func(netip.Addr, *types.Template) bool) {
		for a, t := range s.hosts {
			if !yield(a, t) {
				return
			}
		}
	}
}

// Len returns the number of address and prefix bindings.
func (s *Store) Len() int { return len(s.hosts) + s.nets.Len() }
