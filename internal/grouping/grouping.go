// Package grouping finds workers stacked on top of one another and counts
// fall-arrest hooks for scaffolding rules.
package grouping

import (
	"math"
	"sort"

	"github.com/Spatial-NVR/SiteWatch/internal/detection"
)

// DefaultPadding is added around a group's bounding rectangle
const DefaultPadding = 20

// stacked reports whether the vertical center of either box lies below the
// bottom of the other
func stacked(a, b detection.Box) bool {
	_, ay := a.Center()
	_, by := b.Center()
	return ay > b.Y2 || by > a.Y2
}

// overlapsExpanded reports whether a, widened by half its width on each
// side, overlaps b horizontally
func overlapsExpanded(a, b detection.Box) bool {
	half := a.Width() / 2
	return a.X1-half < b.X2 && a.X2+half > b.X1
}

// Related reports whether two worker boxes form a vertical co-work pair
func Related(a, b detection.Box) bool {
	return stacked(a, b) && (overlapsExpanded(a, b) || overlapsExpanded(b, a))
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
	default:
		uf.parent[rb] = ra
		uf.rank[ra]++
	}
}

// VerticalGroups returns the connected components of the vertical co-work
// relation over boxes, as sorted index lists. Single workers are not groups.
func VerticalGroups(boxes []detection.Box) [][]int {
	uf := newUnionFind(len(boxes))
	for i := 0; i < len(boxes); i++ {
		for j := i + 1; j < len(boxes); j++ {
			if Related(boxes[i], boxes[j]) {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	for i := range boxes {
		root := uf.find(i)
		members[root] = append(members[root], i)
	}

	var groups [][]int
	for _, m := range members {
		if len(m) > 1 {
			groups = append(groups, m)
		}
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a][0] < groups[b][0] })
	return groups
}

// Bounds returns the union of the group's boxes grown by pad and clamped to
// a frameW x frameH frame. Non-positive frame sizes disable clamping.
func Bounds(boxes []detection.Box, group []int, pad float64, frameW, frameH int) detection.Box {
	if len(group) == 0 {
		return detection.Box{}
	}

	out := boxes[group[0]]
	for _, i := range group[1:] {
		b := boxes[i]
		out.X1 = math.Min(out.X1, b.X1)
		out.Y1 = math.Min(out.Y1, b.Y1)
		out.X2 = math.Max(out.X2, b.X2)
		out.Y2 = math.Max(out.Y2, b.Y2)
	}

	out.X1 = math.Max(0, out.X1-pad)
	out.Y1 = math.Max(0, out.Y1-pad)
	out.X2 += pad
	out.Y2 += pad
	if frameW > 0 {
		out.X2 = math.Min(float64(frameW), out.X2)
	}
	if frameH > 0 {
		out.Y2 = math.Min(float64(frameH), out.Y2)
	}
	return out
}

// MissingHooks returns how many workers have no hook
func MissingHooks(workers, hooks int) int {
	if workers > hooks {
		return workers - hooks
	}
	return 0
}

// InsideAny reports whether box lies fully inside one of containers
func InsideAny(box detection.Box, containers []detection.Box) bool {
	for _, c := range containers {
		if box.Within(c) {
			return true
		}
	}
	return false
}
