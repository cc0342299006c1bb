package optimizer

import (
	"loadplan/internal/plan"
	"loadplan/internal/schemamap"
)

// edge is one relation step between two plan nodes.
type edge struct {
	parent   *plan.LoadPlan
	child    *plan.LoadPlan
	relation *schemamap.FieldDescriptor
}

// applyCacheConsistency makes every plan node that can materialize the same
// record project the union of the columns any of them needs. The identity
// cache keeps the first instance of a record, so a narrower projection on
// whichever node loads first would starve the others.
func applyCacheConsistency(reg *schemamap.Registry, root *plan.LoadPlan) {
	for _, group := range consistencyGroups(reg, root) {
		if len(group) < 2 {
			continue
		}
		columns := plan.NewColumnSet()
		for _, node := range group {
			columns.Union(node.Projection)
		}
		for _, node := range group {
			node.Projection.Union(columns)
		}
	}
}

// consistencyGroups partitions the nodes of a plan into groups that reach the
// same records. A relation followed by its reverse leads back to the records
// that started it. Members of one group reach the same records again through
// any relation they share, so groups close over their children until nothing
// changes. Groups come back in plan walk order.
func consistencyGroups(reg *schemamap.Registry, root *plan.LoadPlan) [][]*plan.LoadPlan {
	var nodes []*plan.LoadPlan
	incoming := make(map[*plan.LoadPlan]edge)
	outgoing := make(map[*plan.LoadPlan][]edge)

	var collect func(p *plan.LoadPlan)
	collect = func(p *plan.LoadPlan) {
		nodes = append(nodes, p)
		link := func(name string, child *plan.LoadPlan) {
			fd, err := reg.LookupField(p.Type, name)
			if err != nil {
				return
			}
			e := edge{parent: p, child: child, relation: fd}
			incoming[child] = e
			outgoing[p] = append(outgoing[p], e)
			collect(child)
		}
		for _, name := range p.JoinNames() {
			link(name, p.Joins[name])
		}
		for _, path := range p.PrefetchPaths() {
			pf := p.Prefetches[path]
			link(pf.Relation, pf.Plan)
		}
	}
	collect(root)

	classes := newUnionFind(nodes)
	for _, node := range nodes {
		in, ok := incoming[node]
		if !ok {
			continue
		}
		for _, out := range outgoing[node] {
			if out.child.Type == in.parent.Type && reverses(in.relation, out.relation) {
				classes.union(in.parent, out.child)
			}
		}
	}

	type step struct {
		group    *plan.LoadPlan
		relation string
	}
	for changed := true; changed; {
		changed = false
		seen := make(map[step]*plan.LoadPlan)
		for _, node := range nodes {
			for _, out := range outgoing[node] {
				key := step{group: classes.find(node), relation: out.relation.Name}
				first, ok := seen[key]
				if !ok {
					seen[key] = out.child
					continue
				}
				if classes.find(first) != classes.find(out.child) {
					classes.union(first, out.child)
					changed = true
				}
			}
		}
	}

	index := make(map[*plan.LoadPlan]int)
	var groups [][]*plan.LoadPlan
	for _, node := range nodes {
		rep := classes.find(node)
		i, ok := index[rep]
		if !ok {
			i = len(groups)
			index[rep] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], node)
	}
	return groups
}

func reverses(a, b *schemamap.FieldDescriptor) bool {
	return (a.Reverse != "" && a.Reverse == b.Name) || (b.Reverse != "" && b.Reverse == a.Name)
}

type unionFind struct {
	parent map[*plan.LoadPlan]*plan.LoadPlan
}

func newUnionFind(nodes []*plan.LoadPlan) *unionFind {
	uf := &unionFind{parent: make(map[*plan.LoadPlan]*plan.LoadPlan, len(nodes))}
	for _, n := range nodes {
		uf.parent[n] = n
	}
	return uf
}

func (uf *unionFind) find(n *plan.LoadPlan) *plan.LoadPlan {
	for uf.parent[n] != n {
		uf.parent[n] = uf.parent[uf.parent[n]]
		n = uf.parent[n]
	}
	return n
}

func (uf *unionFind) union(a, b *plan.LoadPlan) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[rb] = ra
	}
}
