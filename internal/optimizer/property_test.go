package optimizer

import (
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"loadplan/internal/plan"
	"loadplan/internal/schemamap"
	"loadplan/internal/selection"
	"loadplan/internal/testutil"
)

var rootTypes = []string{"Artist", "Album", "Song", "Tag"}

// choices feeds a deterministic decision stream to the node generator.
// With sliced set, some to-many relations get a window.
type choices struct {
	values []int
	pos    int
	sliced bool
}

func (c *choices) next(n int) int {
	if c.pos >= len(c.values) {
		return 0
	}
	v := c.values[c.pos]
	c.pos++
	return v % n
}

// randomNode derives a selection tree from the stream. Relations nest at
// most three levels.
func randomNode(reg *schemamap.Registry, typeName string, c *choices, depth int) *selection.Node {
	node := selection.NewNode(typeName)
	td, _ := reg.Lookup(typeName)
	for _, fd := range td.Fields() {
		if c.next(3) == 0 {
			continue
		}
		switch fd.Kind {
		case schemamap.KindScalar, schemamap.KindComputed:
			node.Add(fd.Name)
		case schemamap.KindToOne, schemamap.KindToMany:
			if depth >= 3 {
				continue
			}
			node.Add(fd.Name)
			child := randomNode(reg, fd.Target, c, depth+1)
			if fd.Kind == schemamap.KindToMany && c.sliced && c.next(4) == 0 {
				child.Slice = plan.NewSliceSpec(0, 1+c.next(2))
			}
			node.Children[fd.Name] = child
		}
	}
	return node
}

func planProperties(t *testing.T) *gopter.Properties {
	t.Helper()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	return gopter.NewProperties(parameters)
}

func TestBuildMergeProperties(t *testing.T) {
	reg := testutil.MusicRegistry()
	b := NewBuilder(reg)
	stream := gen.SliceOfN(60, gen.IntRange(0, 1000))

	properties := planProperties(t)

	properties.Property("planning a union equals merging the plans", prop.ForAll(
		func(root int, xs, ys []int) bool {
			typeName := rootTypes[root]
			a := randomNode(reg, typeName, &choices{values: xs}, 0)
			c := randomNode(reg, typeName, &choices{values: ys}, 0)

			union, err := selection.Union(a, c)
			if err != nil {
				return false
			}
			direct, err := b.Build(union)
			if err != nil {
				return false
			}
			pa, err := b.Build(a)
			if err != nil {
				return false
			}
			pc, err := b.Build(c)
			if err != nil {
				return false
			}
			merged, err := b.Merge(pa, pc)
			if err != nil {
				return false
			}
			return plan.Equal(direct, merged)
		},
		gen.IntRange(0, len(rootTypes)-1), stream, stream,
	))

	properties.Property("merge is commutative", prop.ForAll(
		func(root int, xs, ys []int) bool {
			typeName := rootTypes[root]
			pa, err := b.Build(randomNode(reg, typeName, &choices{values: xs}, 0))
			if err != nil {
				return false
			}
			pc, err := b.Build(randomNode(reg, typeName, &choices{values: ys}, 0))
			if err != nil {
				return false
			}
			ab, err := b.Merge(pa, pc)
			if err != nil {
				return false
			}
			ba, err := b.Merge(pc, pa)
			if err != nil {
				return false
			}
			return plan.Equal(ab, ba)
		},
		gen.IntRange(0, len(rootTypes)-1), stream, stream,
	))

	properties.Property("building is deterministic", prop.ForAll(
		func(root int, xs []int) bool {
			node := randomNode(reg, rootTypes[root], &choices{values: xs}, 0)
			first, err := b.Build(node)
			if err != nil {
				return false
			}
			second, err := b.Build(node.Clone())
			if err != nil {
				return false
			}
			return plan.Equal(first, second)
		},
		gen.IntRange(0, len(rootTypes)-1), stream,
	))

	properties.Property("projections cover identity and selected columns", prop.ForAll(
		func(root int, xs []int) bool {
			node := randomNode(reg, rootTypes[root], &choices{values: xs}, 0)
			p, err := b.Build(node)
			if err != nil {
				return false
			}
			if !coversSelection(reg, node, p) {
				return false
			}
			return p.Walk(func(n *plan.LoadPlan, _ int) error {
				td, _ := reg.Lookup(n.Type)
				if !n.Projection.ContainsAll(plan.NewColumnSet(td.IdentityKey...)) {
					return plan.ErrPlanTooLarge
				}
				return nil
			}) == nil
		},
		gen.IntRange(0, len(rootTypes)-1), stream,
	))

	properties.TestingRun(t)
}

func TestBuildHintedMergeProperties(t *testing.T) {
	reg, store := labelledAlbums(t)
	b := NewBuilder(reg, WithHints(store))
	stream := gen.SliceOfN(60, gen.IntRange(0, 1000))

	properties := planProperties(t)

	properties.Property("planning a union fails or succeeds with merging the plans", prop.ForAll(
		func(root int, xs, ys []int) bool {
			typeName := rootTypes[root]
			a := randomNode(reg, typeName, &choices{values: xs, sliced: true}, 0)
			c := randomNode(reg, typeName, &choices{values: ys, sliced: true}, 0)

			pa, errA := b.Build(a)
			pc, errC := b.Build(c)
			if errA != nil || errC != nil {
				return true
			}
			merged, mergeErr := b.Merge(pa, pc)

			union, err := selection.Union(a, c)
			if err != nil {
				return mergeErr != nil
			}
			direct, err := b.Build(union)
			if err != nil || mergeErr != nil {
				return err != nil && mergeErr != nil
			}
			return plan.Equal(direct, merged)
		},
		gen.IntRange(0, len(rootTypes)-1), stream, stream,
	))

	properties.Property("every consistency group projects the union of its members", prop.ForAll(
		func(root int, xs []int) bool {
			p, err := b.Build(randomNode(reg, rootTypes[root], &choices{values: xs, sliced: true}, 0))
			if err != nil {
				return true
			}
			return groupsAreConsistent(reg, p)
		},
		gen.IntRange(0, len(rootTypes)-1), stream,
	))

	properties.TestingRun(t)
}

func TestConsistencyGroupProperties(t *testing.T) {
	reg := testutil.MusicRegistry()
	b := NewBuilder(reg)
	stream := gen.SliceOfN(60, gen.IntRange(0, 1000))

	properties := planProperties(t)

	properties.Property("every consistency group projects the union of its members", prop.ForAll(
		func(root int, xs []int) bool {
			p, err := b.Build(randomNode(reg, rootTypes[root], &choices{values: xs}, 0))
			if err != nil {
				return false
			}
			return groupsAreConsistent(reg, p)
		},
		gen.IntRange(0, len(rootTypes)-1), stream,
	))

	properties.Property("a to-one relation reached from one record twice shares a group", prop.ForAll(
		func(xs, ys []int) bool {
			// album.songs.album is the root album again, so its artist is the
			// root's artist
			node := selection.NewNode("Album")
			node.Add("artist")
			node.Children["artist"] = randomNode(reg, "Artist", &choices{values: xs}, 2)
			deepAlbum := selection.NewNode("Album")
			deepAlbum.Add("artist")
			deepAlbum.Children["artist"] = randomNode(reg, "Artist", &choices{values: ys}, 2)
			songs := selection.NewNode("Song")
			songs.Add("album")
			songs.Children["album"] = deepAlbum
			node.Add("songs")
			node.Children["songs"] = songs

			p, err := b.Build(node)
			if err != nil {
				return false
			}
			shallow := p.Joins["artist"].Projection.Sorted()
			deep := p.Prefetches["songs"].Plan.Joins["album"].Joins["artist"].Projection.Sorted()
			return slices.Equal(shallow, deep)
		},
		stream, stream,
	))

	properties.TestingRun(t)
}

// groupsAreConsistent reports whether every member of each consistency group
// projects exactly the union of the group's projections.
func groupsAreConsistent(reg *schemamap.Registry, p *plan.LoadPlan) bool {
	for _, group := range consistencyGroups(reg, p) {
		union := plan.NewColumnSet()
		for _, node := range group {
			union.Union(node.Projection)
		}
		want := union.Sorted()
		for _, node := range group {
			if !slices.Equal(want, node.Projection.Sorted()) {
				return false
			}
		}
	}
	return true
}

// coversSelection checks that every selected column, at every level, is in
// the projection of the plan node at the same position.
func coversSelection(reg *schemamap.Registry, node *selection.Node, p *plan.LoadPlan) bool {
	for _, name := range node.Fields {
		fd, err := reg.LookupField(node.Type, name)
		if err != nil {
			return false
		}
		switch fd.Kind {
		case schemamap.KindScalar:
			if !p.Projection.Has(fd.Column) {
				return false
			}
		case schemamap.KindToOne:
			child, ok := p.Joins[name]
			if !ok || !coversSelection(reg, node.Children[name], child) {
				return false
			}
		case schemamap.KindToMany:
			pf, ok := p.Prefetches[plan.ChildPath(p.Path, name)]
			if !ok || !coversSelection(reg, node.Children[name], pf.Plan) {
				return false
			}
		}
	}
	return true
}
