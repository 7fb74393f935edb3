package interest

import "github.com/ncw/famd/internal/famstat"

// IdentityIndex is the process-wide (device, inode) -> set-of-Nodes map.
// The set, not a single entry, is essential: hard links cause multiple
// Nodes to share an identity, and a ChangeSource event must fan out to
// all of them.
type IdentityIndex struct {
	byID map[famstat.Identity]map[*Node]struct{}
}

// NewIdentityIndex returns an empty index.
func NewIdentityIndex() *IdentityIndex {
	return &IdentityIndex{byID: make(map[famstat.Identity]map[*Node]struct{})}
}

// Add registers n under id.
func (x *IdentityIndex) Add(id famstat.Identity, n *Node) {
	set, ok := x.byID[id]
	if !ok {
		set = make(map[*Node]struct{})
		x.byID[id] = set
	}
	set[n] = struct{}{}
}

// Remove unregisters n from id's chain, dropping the chain entirely once
// empty.
func (x *IdentityIndex) Remove(id famstat.Identity, n *Node) {
	set, ok := x.byID[id]
	if !ok {
		return
	}
	delete(set, n)
	if len(set) == 0 {
		delete(x.byID, id)
	}
}

// Has reports whether any Node is still registered under id.
func (x *IdentityIndex) Has(id famstat.Identity) bool {
	return len(x.byID[id]) > 0
}

// Lookup returns every Node sharing id, for fanning a single kernel event
// out to all of them.
func (x *IdentityIndex) Lookup(id famstat.Identity) []*Node {
	set := x.byID[id]
	nodes := make([]*Node, 0, len(set))
	for n := range set {
		nodes = append(nodes, n)
	}
	return nodes
}

// All returns every Node currently registered under any identity, for
// the conservative "mark everything dirty" pass a kernel-monitor
// overflow forces.
func (x *IdentityIndex) All() []*Node {
	var nodes []*Node
	for _, set := range x.byID {
		for n := range set {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
