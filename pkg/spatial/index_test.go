package spatial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBounds(t *testing.T) {
	t.Parallel()

	b, err := ParseBounds("33.0,-117.0,34.0,-116.0")
	require.NoError(t, err)
	assert.Equal(t, Bounds{MinX: 33.0, MinY: -117.0, MaxX: 34.0, MaxY: -116.0}, b)

	b, err = ParseBounds(" 1 , 2 , 3 , 4 ")
	require.NoError(t, err)
	assert.Equal(t, Bounds{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4}, b)

	_, err = ParseBounds("1,2,3")
	assert.Error(t, err)

	_, err = ParseBounds("1,2,3,four")
	assert.Error(t, err)
}

func TestBoundsTransposed(t *testing.T) {
	t.Parallel()

	b := Bounds{MinX: -117.0, MinY: 33.0, MaxX: -116.0, MaxY: 34.0}
	assert.Equal(t, Bounds{MinX: 33.0, MinY: -117.0, MaxX: 34.0, MaxY: -116.0}, b.Transposed())
}

func TestInsertIntersect(t *testing.T) {
	t.Parallel()

	x := New()
	x.Insert("fence-1", Bounds{MinX: 33, MinY: -117, MaxX: 34, MaxY: -116}, Record{})
	x.Insert("fence-2", Bounds{MinX: 50, MinY: 8, MaxX: 51, MaxY: 9}, Record{})

	hits := x.Intersect(Bounds{MinX: 33.5, MinY: -116.5, MaxX: 33.6, MaxY: -116.4})
	require.Len(t, hits, 1)
	assert.Equal(t, "fence-1", hits[0].ID)

	hits = x.Intersect(Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1})
	assert.Empty(t, hits)
}

func TestInsertReplacesExisting(t *testing.T) {
	t.Parallel()

	x := New()
	x.Insert("decl-1", Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}, Record{Metadata: map[string]string{"rev": "a"}})
	x.Insert("decl-1", Bounds{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11}, Record{Metadata: map[string]string{"rev": "b"}})

	assert.Empty(t, x.Intersect(Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}))
	hits := x.Intersect(Bounds{MinX: 10, MinY: 10, MaxX: 11, MaxY: 11})
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Metadata["rev"])
	assert.Equal(t, 1, x.Len())
}

func TestDelete(t *testing.T) {
	t.Parallel()

	b := Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}
	x := New()
	x.Insert("decl-1", b, Record{})
	x.Delete("decl-1", b)

	assert.Empty(t, x.Intersect(b))
	assert.Equal(t, 0, x.Len())
}

func TestClearEmptiesIndex(t *testing.T) {
	t.Parallel()

	x := New()
	for _, id := range []string{"a", "b", "c"} {
		x.Insert(id, Bounds{MinX: 0, MinY: 0, MaxX: 90, MaxY: 180}, Record{})
	}
	x.Clear()

	assert.Empty(t, x.Intersect(Bounds{MinX: -90, MinY: -180, MaxX: 90, MaxY: 180}))
	assert.Equal(t, 0, x.Len())

	x.Insert("d", Bounds{MinX: 1, MinY: 1, MaxX: 2, MaxY: 2}, Record{})
	assert.Len(t, x.Intersect(Bounds{MinX: 0, MinY: 0, MaxX: 3, MaxY: 3}), 1)
}

func TestRebuild(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	x := New(WithNowFunc(func() time.Time { return now }))
	x.Insert("stale", Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}, Record{})

	start := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	x.Rebuild([]Source{
		{ID: "decl-1", RawBounds: "33,-117,34,-116", StartsAt: &start, EndsAt: &end},
		{ID: "decl-2", RawBounds: "50,8,51,9"},
		{ID: "broken", RawBounds: "not,bounds"},
	}, false)

	assert.Equal(t, 2, x.Len())
	assert.Empty(t, x.Intersect(Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}))

	hits := x.Intersect(Bounds{MinX: 33, MinY: -117, MaxX: 34, MaxY: -116})
	require.Len(t, hits, 1)
	assert.Equal(t, start, hits[0].StartsAt)
	assert.Equal(t, end, hits[0].EndsAt)

	hits = x.Intersect(Bounds{MinX: 50, MinY: 8, MaxX: 51, MaxY: 9})
	require.Len(t, hits, 1)
	assert.Equal(t, now.Add(-24*time.Hour), hits[0].StartsAt)
	assert.Equal(t, now.Add(24*time.Hour), hits[0].EndsAt)
}

func TestRebuildTransposed(t *testing.T) {
	t.Parallel()

	x := New()
	// Geo-fence bounds persisted as (lng, lat).
	x.Rebuild([]Source{
		{ID: "fence-1", RawBounds: "-117,33,-116,34"},
	}, true)

	hits := x.Intersect(Bounds{MinX: 33.5, MinY: -116.5, MaxX: 33.6, MaxY: -116.4})
	require.Len(t, hits, 1)
	assert.Equal(t, "fence-1", hits[0].ID)
}
