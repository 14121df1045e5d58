package icmp

import (
	"errors"
	"net/netip"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"
)

var (
	ErrGroupExists   = errors.New("icmp: multicast group exists")
	ErrNoGroup       = errors.New("icmp: no such multicast group")
	ErrAlreadyMember = errors.New("icmp: host is already a member")
)

type group struct {
	addr    netip.Addr
	members *btree.BTreeG[netip.Addr]
}

// Groups maps multicast groups to the virtual hosts that joined them.
type Groups struct {
	tree *btree.BTreeG[*group]
}

// NewGroups creates an empty registry.
func NewGroups() *Groups {
	return &Groups{tree: btree.NewG(8, func(a, b *group) bool { return a.addr.Less(b.addr) })}
}

// NewGroup registers the group addr.
func (g *Groups) NewGroup(addr netip.Addr) error {
	if g.tree.Has(&group{addr: addr}) {
		return ErrGroupExists
	}
	g.tree.ReplaceOrInsert(&group{addr: addr, members: btree.NewG(8, netip.Addr.Less)})
	log.WithField("group", addr).Debug("Added multicast group")
	return nil
}

// Join adds host to the group addr.
func (g *Groups) Join(host, addr netip.Addr) error {
	grp, ok := g.tree.Get(&group{addr: addr})
	if !ok {
		return ErrNoGroup
	}
	if _, dup := grp.members.ReplaceOrInsert(host); dup {
		return ErrAlreadyMember
	}
	log.WithFields(log.Fields{"host": host, "group": addr}).Debug("Joined multicast group")
	return nil
}

// FirstMember returns the lowest member address of the group addr.
func (g *Groups) FirstMember(addr netip.Addr) (netip.Addr, bool) {
	grp, ok := g.tree.Get(&group{addr: addr})
	if !ok {
		return netip.Addr{}, false
	}
	return grp.members.Min()
}
