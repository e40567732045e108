package sweeper

import (
	"github.com/Gopher0727/Cloak/internal/catalog"
	"github.com/Gopher0727/Cloak/utils/consistenthash"
)

// Ownership decides which channels this node sweeps when several sweeper
// processes share one store. With no peers configured it owns everything.
type Ownership struct {
	node string
	ring *consistenthash.Ring
	// 目录频道的归属在构造时计算一次
	catalog *catalog.Set
}

// NewOwnership builds the ring from node weights. node must be one of nodes
// for it to own anything.
func NewOwnership(node string, nodes map[string]int) *Ownership {
	o := &Ownership{node: node}
	if node == "" || len(nodes) == 0 {
		o.catalog = catalog.NewSet(catalog.IDs()...)
		return o
	}

	o.ring = consistenthash.New(consistenthash.DefaultReplicas, nil)
	for n, weight := range nodes {
		o.ring.AddWeighted(n, weight)
	}

	o.catalog = catalog.NewSet()
	for _, id := range catalog.IDs() {
		if o.ring.Owns(node, id) {
			o.catalog.Add(id)
		}
	}
	return o
}

// Owns reports whether this node sweeps channel.
func (o *Ownership) Owns(channel string) bool {
	if catalog.Known(channel) {
		return o.catalog.Has(channel)
	}
	return o.ring == nil || o.ring.Owns(o.node, channel)
}

// Filter 保留本节点负责的频道，保持输入顺序
func (o *Ownership) Filter(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if o.Owns(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// CatalogChannels 本节点负责的目录频道
func (o *Ownership) CatalogChannels() []string {
	return o.catalog.IDs()
}
