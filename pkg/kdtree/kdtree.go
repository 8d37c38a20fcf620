// Package kdtree implements an immutable k-d tree over fixed-length float32
// vectors keyed by int64 identifiers.
//
// A Tree is a snapshot: Build produces a balanced tree from parallel id and
// vector slices, and Append returns a new Tree that shares every untouched
// subtree with its parent. Neither operation mutates an existing Tree, so a
// *Tree may be read by any number of goroutines without synchronisation.
//
// Removal and in-place replacement of a point are intentionally absent;
// callers that need either build a fresh Tree from their source of truth.
package kdtree

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"
)

var (
	// ErrEmpty is returned by Build when no points are supplied. An empty
	// index is represented by the absence of a Tree, not by a Tree of size 0.
	ErrEmpty = errors.New("kdtree: no points")

	// ErrLengthMismatch is returned by Build when ids and vectors differ in length.
	ErrLengthMismatch = errors.New("kdtree: ids and vectors differ in length")

	// ErrDimensionMismatch is returned when a vector's length differs from the
	// tree's dimensionality, or when Build receives vectors of mixed length.
	ErrDimensionMismatch = errors.New("kdtree: dimension mismatch")

	// ErrInvalidK is returned by Query for k < 1.
	ErrInvalidK = errors.New("kdtree: k must be positive")
)

// Neighbor is one query result.
type Neighbor struct {
	// ID is the identifier the point was built or appended with.
	ID int64
	// Distance is the Euclidean distance from the query vector.
	Distance float64
}

type node struct {
	id    int64
	point []float32
	axis  int
	left  *node
	right *node
}

// Tree is an immutable k-d tree. The zero value is not usable; construct one
// with Build.
type Tree struct {
	root  *node
	dim   int
	n     int
	depth int
}

type item struct {
	id  int64
	vec []float32
}

// Build constructs a balanced tree from parallel ids and vecs. Vectors are
// copied, so the caller may reuse its slices afterwards.
func Build(ids []int64, vecs [][]float32) (*Tree, error) {
	if len(ids) != len(vecs) {
		return nil, fmt.Errorf("%w: %d ids, %d vectors", ErrLengthMismatch, len(ids), len(vecs))
	}
	if len(ids) == 0 {
		return nil, ErrEmpty
	}
	dim := len(vecs[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vector", ErrDimensionMismatch)
	}
	items := make([]item, len(ids))
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
		items[i] = item{id: ids[i], vec: slices.Clone(v)}
	}
	return buildFrom(items, dim), nil
}

func buildFrom(items []item, dim int) *Tree {
	t := &Tree{dim: dim, n: len(items)}
	t.root = t.build(items, 0)
	return t
}

func (t *Tree) build(items []item, depth int) *node {
	if len(items) == 0 {
		return nil
	}
	if depth+1 > t.depth {
		t.depth = depth + 1
	}
	axis := depth % t.dim
	mid := len(items) / 2
	selectNth(items, mid, axis)
	return &node{
		id:    items[mid].id,
		point: items[mid].vec,
		axis:  axis,
		left:  t.build(items[:mid], depth+1),
		right: t.build(items[mid+1:], depth+1),
	}
}

// selectNth reorders items so that items[n] holds the element that would be
// there if items were sorted on axis, with no greater element before it and
// no smaller element after it. Three-way partitioning keeps runs of equal
// coordinates linear.
func selectNth(items []item, n, axis int) {
	lo, hi := 0, len(items)-1
	for lo < hi {
		pivot := medianOfThree(items, lo, hi, axis)
		lt, i, gt := lo, lo, hi
		for i <= gt {
			c := items[i].vec[axis]
			switch {
			case c < pivot:
				items[lt], items[i] = items[i], items[lt]
				lt++
				i++
			case c > pivot:
				items[i], items[gt] = items[gt], items[i]
				gt--
			default:
				i++
			}
		}
		switch {
		case n < lt:
			hi = lt - 1
		case n > gt:
			lo = gt + 1
		default:
			return
		}
	}
}

func medianOfThree(items []item, lo, hi, axis int) float32 {
	a := items[lo].vec[axis]
	b := items[lo+(hi-lo)/2].vec[axis]
	c := items[hi].vec[axis]
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}

// Len returns the number of points in the tree.
func (t *Tree) Len() int { return t.n }

// Dim returns the dimensionality of every point in the tree.
func (t *Tree) Dim() int { return t.dim }

// IDs returns every identifier in the tree in ascending order.
func (t *Tree) IDs() []int64 {
	ids := make([]int64, 0, t.n)
	var walk func(*node)
	walk = func(nd *node) {
		if nd == nil {
			return
		}
		ids = append(ids, nd.id)
		walk(nd.left)
		walk(nd.right)
	}
	walk(t.root)
	slices.Sort(ids)
	return ids
}

// Contains reports whether id is present in the tree.
func (t *Tree) Contains(id int64) bool {
	stack := []*node{t.root}
	for len(stack) > 0 {
		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if nd == nil {
			continue
		}
		if nd.id == id {
			return true
		}
		stack = append(stack, nd.left, nd.right)
	}
	return false
}

// Append returns a new tree holding every point of t plus (vec, id). t itself
// is left untouched; the new tree shares all subtrees off the insertion path.
//
// Identifiers are not checked for uniqueness. When repeated appends leave the
// tree deeper than maxDepth allows for its size, the result is rebuilt
// balanced from its own points.
func (t *Tree) Append(vec []float32, id int64) (*Tree, error) {
	if len(vec) != t.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), t.dim)
	}
	point := slices.Clone(vec)
	root, depth := insert(t.root, point, id, 0, t.dim)
	next := &Tree{root: root, dim: t.dim, n: t.n + 1, depth: max(t.depth, depth)}
	if next.depth > maxDepth(next.n) {
		return buildFrom(next.items(), next.dim), nil
	}
	return next, nil
}

func insert(nd *node, point []float32, id int64, depth, dim int) (*node, int) {
	if nd == nil {
		return &node{id: id, point: point, axis: depth % dim}, depth + 1
	}
	cp := *nd
	var d int
	if point[nd.axis] < nd.point[nd.axis] {
		cp.left, d = insert(nd.left, point, id, depth+1, dim)
	} else {
		cp.right, d = insert(nd.right, point, id, depth+1, dim)
	}
	return &cp, d
}

// maxDepth is the depth beyond which an appended tree is rebalanced.
func maxDepth(n int) int {
	return 2*bits.Len(uint(n)) + 4
}

func (t *Tree) items() []item {
	out := make([]item, 0, t.n)
	var walk func(*node)
	walk = func(nd *node) {
		if nd == nil {
			return
		}
		out = append(out, item{id: nd.id, vec: nd.point})
		walk(nd.left)
		walk(nd.right)
	}
	walk(t.root)
	return out
}

// Query returns the k points closest to vec by Euclidean distance, ordered
// by ascending distance with ties broken by ascending id. A k larger than
// Len is clamped to Len.
func (t *Tree) Query(vec []float32, k int) ([]Neighbor, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(vec) != t.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), t.dim)
	}
	k = min(k, t.n)
	h := make(resultHeap, 0, k)
	t.search(t.root, vec, k, &h)

	out := make([]Neighbor, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		c := h.pop()
		out[i] = Neighbor{ID: c.id, Distance: math.Sqrt(c.dist)}
	}
	return out, nil
}

func (t *Tree) search(nd *node, q []float32, k int, h *resultHeap) {
	if nd == nil {
		return
	}
	d := squaredL2(q, nd.point)
	if len(*h) < k {
		h.push(candidate{id: nd.id, dist: d})
	} else if top := (*h)[0]; worse(top, candidate{id: nd.id, dist: d}) {
		h.replaceTop(candidate{id: nd.id, dist: d})
	}

	diff := float64(q[nd.axis]) - float64(nd.point[nd.axis])
	near, far := nd.left, nd.right
	if diff >= 0 {
		near, far = nd.right, nd.left
	}
	t.search(near, q, k, h)
	// Equal distances must still be visited so that id tie-breaking sees
	// every candidate at the boundary.
	if len(*h) < k || diff*diff <= (*h)[0].dist {
		t.search(far, q, k, h)
	}
}

// squaredL2 accumulates in float64 to keep ordering stable for vectors whose
// float32 distances would round to the same value.
func squaredL2(a, b []float32) float64 {
	var s0, s1, s2, s3 float64
	i := 0
	for ; i+4 <= len(a); i += 4 {
		d0 := float64(a[i]) - float64(b[i])
		d1 := float64(a[i+1]) - float64(b[i+1])
		d2 := float64(a[i+2]) - float64(b[i+2])
		d3 := float64(a[i+3]) - float64(b[i+3])
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < len(a); i++ {
		d := float64(a[i]) - float64(b[i])
		s0 += d * d
	}
	return s0 + s1 + s2 + s3
}
