// Package region computes on-sky footprints of combined images.
//
// Footprints are spherical convex polygons. All geometry is done in a
// gnomonic plane, which maps great circles to straight lines, so convexity
// and vertex order do not depend on the choice of tangent point.
package region

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/hapcat/internal/wcs"
)

// ErrEmpty is returned when a union has no vertices to work with
var ErrEmpty = errors.New("empty footprint")

// Vertex is a sky position in degrees
type Vertex struct {
	RA  float64 `yaml:"ra"`
	Dec float64 `yaml:"dec"`
}

// Polygon is a convex footprint. Vertices are counter-clockwise in standard
// coordinates and start at the vertex with the lowest declination (lowest RA
// on ties). The closing edge is implicit.
type Polygon struct {
	Vertices []Vertex `yaml:"vertices"`
}

// Quadrilateral returns the footprint of a rectangular detector: the outer
// pixel-edge corners projected through its WCS.
func Quadrilateral(t wcs.Transform) (Polygon, error) {
	nx, ny := t.Shape()
	if nx <= 0 || ny <= 0 {
		return Polygon{}, fmt.Errorf("invalid image shape %dx%d", nx, ny)
	}

	corners := [][2]float64{
		{0.5, 0.5},
		{float64(nx) + 0.5, 0.5},
		{float64(nx) + 0.5, float64(ny) + 0.5},
		{0.5, float64(ny) + 0.5},
	}
	pts := make([]Vertex, 0, len(corners))
	for _, c := range corners {
		ra, dec := t.PixelToSky(c[0], c[1])
		pts = append(pts, Vertex{RA: ra, Dec: dec})
	}
	return Hull(pts)
}

// Union returns the boundary of the combined footprint of the polygons. The
// boundary is the convex hull of every member vertex, so Union is
// associative: Union(Union(a, b), c) has the same vertices as Union(a, b, c).
func Union(polys ...Polygon) (Polygon, error) {
	var pts []Vertex
	for _, p := range polys {
		pts = append(pts, p.Vertices...)
	}
	return Hull(pts)
}

type planePoint struct {
	x, y float64
	idx  int
}

// Hull returns the convex hull of sky points. Output vertices are copies of
// input vertices, never re-derived from projected coordinates.
func Hull(pts []Vertex) (Polygon, error) {
	if len(pts) == 0 {
		return Polygon{}, ErrEmpty
	}

	ra0, dec0 := meanDirection(pts)
	plane := make([]planePoint, 0, len(pts))
	for i, v := range pts {
		x, y, ok := wcs.Project(ra0, dec0, v.RA, v.Dec)
		if !ok {
			return Polygon{}, fmt.Errorf("vertex (%v, %v) is more than 90 degrees from the footprint centre", v.RA, v.Dec)
		}
		plane = append(plane, planePoint{x: x, y: y, idx: i})
	}

	sort.Slice(plane, func(i, j int) bool {
		if plane[i].x != plane[j].x {
			return plane[i].x < plane[j].x
		}
		if plane[i].y != plane[j].y {
			return plane[i].y < plane[j].y
		}
		return plane[i].idx < plane[j].idx
	})

	// drop exact duplicates
	uniq := plane[:0]
	for _, p := range plane {
		if n := len(uniq); n > 0 && uniq[n-1].x == p.x && uniq[n-1].y == p.y {
			continue
		}
		uniq = append(uniq, p)
	}

	hull := monotoneChain(uniq)
	out := make([]Vertex, len(hull))
	for i, p := range hull {
		out[i] = pts[p.idx]
	}
	return Polygon{Vertices: canonicalStart(out)}, nil
}

// monotoneChain is Andrew's algorithm; collinear points are dropped
func monotoneChain(p []planePoint) []planePoint {
	if len(p) < 3 {
		return append([]planePoint(nil), p...)
	}

	cross := func(o, a, b planePoint) float64 {
		return (a.x-o.x)*(b.y-o.y) - (a.y-o.y)*(b.x-o.x)
	}

	h := make([]planePoint, 0, 2*len(p))
	for _, pt := range p {
		for len(h) >= 2 && cross(h[len(h)-2], h[len(h)-1], pt) <= 0 {
			h = h[:len(h)-1]
		}
		h = append(h, pt)
	}
	lower := len(h) + 1
	for i := len(p) - 2; i >= 0; i-- {
		pt := p[i]
		for len(h) >= lower && cross(h[len(h)-2], h[len(h)-1], pt) <= 0 {
			h = h[:len(h)-1]
		}
		h = append(h, pt)
	}
	return h[:len(h)-1]
}

func canonicalStart(v []Vertex) []Vertex {
	if len(v) == 0 {
		return v
	}
	start := 0
	for i := 1; i < len(v); i++ {
		if v[i].Dec < v[start].Dec || (v[i].Dec == v[start].Dec && v[i].RA < v[start].RA) {
			start = i
		}
	}
	return append(append([]Vertex(nil), v[start:]...), v[:start]...)
}

func meanDirection(pts []Vertex) (float64, float64) {
	var sx, sy, sz float64
	for _, v := range pts {
		a, d := v.RA*math.Pi/180, v.Dec*math.Pi/180
		sx += math.Cos(d) * math.Cos(a)
		sy += math.Cos(d) * math.Sin(a)
		sz += math.Sin(d)
	}
	ra := math.Atan2(sy, sx) * 180 / math.Pi
	dec := math.Atan2(sz, math.Hypot(sx, sy)) * 180 / math.Pi
	return wcs.NormalizeRA(ra), dec
}

// Centre returns the mean direction of the vertices
func (p Polygon) Centre() (float64, float64) {
	return meanDirection(p.Vertices)
}

// Contains reports whether a sky position lies inside or on the polygon
func (p Polygon) Contains(ra, dec float64) bool {
	if len(p.Vertices) < 3 {
		return false
	}
	ra0, dec0 := p.Centre()
	px, py, ok := wcs.Project(ra0, dec0, ra, dec)
	if !ok {
		return false
	}

	n := len(p.Vertices)
	for i := 0; i < n; i++ {
		ax, ay, _ := wcs.Project(ra0, dec0, p.Vertices[i].RA, p.Vertices[i].Dec)
		bx, by, _ := wcs.Project(ra0, dec0, p.Vertices[(i+1)%n].RA, p.Vertices[(i+1)%n].Dec)
		if (bx-ax)*(py-ay)-(by-ay)*(px-ax) < 0 {
			return false
		}
	}
	return true
}

// Area returns the tangent-plane area in square degrees
func (p Polygon) Area() float64 {
	if len(p.Vertices) < 3 {
		return 0
	}
	ra0, dec0 := p.Centre()
	var sum float64
	n := len(p.Vertices)
	for i := 0; i < n; i++ {
		ax, ay, _ := wcs.Project(ra0, dec0, p.Vertices[i].RA, p.Vertices[i].Dec)
		bx, by, _ := wcs.Project(ra0, dec0, p.Vertices[(i+1)%n].RA, p.Vertices[(i+1)%n].Dec)
		sum += ax*by - bx*ay
	}
	return math.Abs(sum) / 2
}

// Equal reports whether two polygons have the same vertices within tol degrees
func (p Polygon) Equal(q Polygon, tol float64) bool {
	if len(p.Vertices) != len(q.Vertices) {
		return false
	}
	for i := range p.Vertices {
		if wcs.Separation(p.Vertices[i].RA, p.Vertices[i].Dec, q.Vertices[i].RA, q.Vertices[i].Dec) > tol {
			return false
		}
	}
	return true
}

// SRegion formats the polygon as an IVOA STC-S string for the S_REGION keyword
func (p Polygon) SRegion() string {
	var b strings.Builder
	b.WriteString("POLYGON ICRS")
	for _, v := range p.Vertices {
		fmt.Fprintf(&b, " %.8f %.8f", v.RA, v.Dec)
	}
	return b.String()
}
