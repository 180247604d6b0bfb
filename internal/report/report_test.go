package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestMovingAverage(t *testing.T) {
	tests := []struct {
		name   string
		xs     []float64
		window int
		want   []float64
	}{
		{"empty", nil, 3, []float64{}},
		{"window one", []float64{1, 2, 3}, 1, []float64{1, 2, 3}},
		{"warmup", []float64{2, 4, 6, 8}, 3, []float64{2, 3, 4, 6}},
		{"zero window clamps", []float64{5, 7}, 0, []float64{5, 7}},
		{"window larger than data", []float64{1, 3}, 10, []float64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MovingAverage(tt.xs, tt.window)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-12), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("MovingAverage() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRewardPlotNoData(t *testing.T) {
	_, err := RewardPlot(nil, 1)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = SavePNG(t.TempDir(), nil, 1, time.Now())
	assert.ErrorIs(t, err, ErrNoData)
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, []float64{-10, 5, 20, 12}, 7))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestSavePNG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	path, err := SavePNG(dir, []float64{1, 2, 3}, 1, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rewards-20260504-030201.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))
}
