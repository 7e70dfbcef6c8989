package tiles

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlan_Scenario(t *testing.T) {
	plan, err := NewPlan(3000, SliceHeight(600, 9, 16), 50)
	require.NoError(t, err)

	assert.Equal(t, 1067, plan.SliceHeight)
	assert.Equal(t, 1017, plan.Step)
	assert.Equal(t, 3, plan.TileCount)
	assert.Equal(t, 3000, plan.CanvasHeight)

	want := [][2]int{{0, 1067}, {1017, 2084}, {2034, 3000}}
	for i, w := range want {
		start, end := plan.Bounds(i)
		assert.Equal(t, w[0], start, "tile %d start", i)
		assert.Equal(t, w[1], end, "tile %d end", i)
	}
}

func TestNewPlan_SingleTileWhenShort(t *testing.T) {
	for _, h := range []int{1, 500, 1017, 1050, 1067} {
		plan, err := NewPlan(h, 1067, 50)
		require.NoError(t, err)
		assert.Equal(t, 1, plan.TileCount, "height %d", h)

		start, end := plan.Bounds(0)
		assert.Equal(t, 0, start)
		assert.Equal(t, h, end)
		assert.Equal(t, h, plan.CanvasHeight)
	}
}

func TestNewPlan_LastTileEndsAtContentHeight(t *testing.T) {
	for h := 1; h <= 6000; h += 7 {
		plan, err := NewPlan(h, 1067, 50)
		require.NoError(t, err)

		_, end := plan.Bounds(plan.TileCount - 1)
		if end != h {
			t.Fatalf("height %d: last tile ends at %d", h, end)
		}
		if plan.CanvasHeight != h {
			t.Fatalf("height %d: canvas height %d", h, plan.CanvasHeight)
		}
	}
}

func TestPlan_TilesAreContiguous(t *testing.T) {
	plan, err := NewPlan(4321, 800, 40)
	require.NoError(t, err)

	tiles := plan.All()
	require.Len(t, tiles, plan.TileCount)

	covered := 0
	for i, tile := range tiles {
		assert.Equal(t, i, tile.Index)
		assert.Equal(t, tile.StartY, tile.PasteY)
		assert.Greater(t, tile.Height(), 0)
		// each tile starts at or before the end of what has been covered
		assert.LessOrEqual(t, tile.StartY, covered)
		covered = tile.EndY
	}
	assert.Equal(t, 4321, covered)
}

func TestNewPlan_InvalidGeometry(t *testing.T) {
	tests := []struct {
		name          string
		height, slice int
		overlap       int
	}{
		{"zero height", 0, 1067, 50},
		{"negative height", -10, 1067, 50},
		{"negative overlap", 100, 1067, -1},
		{"overlap equals slice", 100, 50, 50},
		{"overlap exceeds slice", 100, 40, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.height, tt.slice, tt.overlap)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidGeometry))
		})
	}
}

func TestSliceHeight(t *testing.T) {
	assert.Equal(t, 1067, SliceHeight(600, 9, 16))
	assert.Equal(t, 720, SliceHeight(405, 9, 16))
	assert.Equal(t, 0, SliceHeight(600, 0, 16))
}
