// Package spatial provides the in-memory R-tree index used to answer
// which-entities-intersect-this-view queries over flight declarations,
// geo-fences, and operational intents.
package spatial

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/rtree"

	bferrors "github.com/ezrakhuzadi/atc-blender/pkg/errors"
	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
)

// Bounds is an axis-aligned rectangle. For geodetic indexes x is latitude
// and y is longitude.
type Bounds struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// ParseBounds parses a "minx,miny,maxx,maxy" string.
func ParseBounds(raw string) (Bounds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return Bounds{}, bferrors.NewInputInvalidError(
			fmt.Sprintf("bounds must have 4 components, got %d", len(parts)), nil)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, bferrors.NewInputInvalidError("bounds component is not numeric", err)
		}
		vals[i] = v
	}
	return Bounds{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}, nil
}

// Transposed swaps the axes. Geo-fence rows persist bounds in (lng, lat)
// order while the query side works in (lat, lng).
func (b Bounds) Transposed() Bounds {
	return Bounds{MinX: b.MinY, MinY: b.MinX, MaxX: b.MaxY, MaxY: b.MaxX}
}

// Record is the payload attached to each indexed entry.
type Record struct {
	ID       string
	Bounds   Bounds
	StartsAt time.Time
	EndsAt   time.Time
	Metadata map[string]string
}

// Source is one entity feeding a Rebuild. RawBounds is the entity's
// comma-separated bounds string. Nil start/end dates get a synthetic
// now±1d activity window.
type Source struct {
	ID        string
	RawBounds string
	StartsAt  *time.Time
	EndsAt    *time.Time
	Metadata  map[string]string
}

// Index is an in-memory R-tree over string-identified records. It holds no
// on-disk state, so Clear fully discards the contents. Instances are not
// safe for concurrent use; the owning component serializes access.
type Index struct {
	tree     rtree.RTreeG[string]
	payloads map[string]Record
	now      func() time.Time
}

// Option configures an Index.
type Option func(*Index)

// WithNowFunc overrides the clock used for synthetic activity windows.
func WithNowFunc(now func() time.Time) Option {
	return func(x *Index) {
		x.now = now
	}
}

// New returns an empty index.
func New(opts ...Option) *Index {
	x := &Index{
		payloads: make(map[string]Record),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Insert adds a record under id. Re-inserting an id replaces its payload.
func (x *Index) Insert(id string, b Bounds, rec Record) {
	if old, ok := x.payloads[id]; ok {
		x.tree.Delete(boundsMin(old.Bounds), boundsMax(old.Bounds), id)
	}
	rec.ID = id
	rec.Bounds = b
	x.tree.Insert(boundsMin(b), boundsMax(b), id)
	x.payloads[id] = rec
}

// Delete removes the record under id.
func (x *Index) Delete(id string, b Bounds) {
	x.tree.Delete(boundsMin(b), boundsMax(b), id)
	delete(x.payloads, id)
}

// Intersect returns the records whose bounds intersect the query rectangle.
func (x *Index) Intersect(b Bounds) []Record {
	var hits []Record
	x.tree.Search(boundsMin(b), boundsMax(b), func(_, _ [2]float64, id string) bool {
		if rec, ok := x.payloads[id]; ok {
			hits = append(hits, rec)
		}
		return true
	})
	return hits
}

// Clear discards the index contents. Subsequent Intersect calls return
// empty until the next Insert or Rebuild.
func (x *Index) Clear() {
	x.tree = rtree.RTreeG[string]{}
	x.payloads = make(map[string]Record)
}

// Len returns the number of indexed records.
func (x *Index) Len() int {
	return len(x.payloads)
}

// Rebuild discards the index and loads it from sources. Entities with
// unparseable bounds are logged and skipped. When transpose is set, source
// bounds are treated as (lng, lat) and swapped into (lat, lng).
func (x *Index) Rebuild(sources []Source, transpose bool) {
	x.Clear()
	now := x.now()
	for _, src := range sources {
		b, err := ParseBounds(src.RawBounds)
		if err != nil {
			logger.Warnw("skipping entity with bad bounds", "id", src.ID, "error", err)
			continue
		}
		if transpose {
			b = b.Transposed()
		}
		rec := Record{
			StartsAt: now.Add(-24 * time.Hour),
			EndsAt:   now.Add(24 * time.Hour),
			Metadata: src.Metadata,
		}
		if src.StartsAt != nil {
			rec.StartsAt = *src.StartsAt
		}
		if src.EndsAt != nil {
			rec.EndsAt = *src.EndsAt
		}
		x.Insert(src.ID, b, rec)
	}
}

func boundsMin(b Bounds) [2]float64 {
	return [2]float64{b.MinX, b.MinY}
}

func boundsMax(b Bounds) [2]float64 {
	return [2]float64{b.MaxX, b.MaxY}
}
