// Package report renders the episode reward history as a PNG line plot.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoData is returned when there are no episode rewards to plot.
var ErrNoData = errors.New("no episode rewards")

// DefaultWindow is the moving-average window used by the plots.
const DefaultWindow = 10

var (
	rewardColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	averageColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

// MovingAverage returns the trailing mean of xs over window samples. The
// first window-1 entries average over what is available.
func MovingAverage(xs []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(xs))
	for i := range xs {
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		out[i] = stat.Mean(xs[lo:i+1], nil)
	}
	return out
}

func series(ys []float64, first int) plotter.XYs {
	pts := make(plotter.XYs, len(ys))
	for i, y := range ys {
		pts[i] = plotter.XY{X: float64(first + i), Y: y}
	}
	return pts
}

// RewardPlot builds a plot of per-episode rewards and their moving average.
// first is the episode number of rewards[0].
func RewardPlot(rewards []float64, first int) (*plot.Plot, error) {
	if len(rewards) == 0 {
		return nil, ErrNoData
	}

	p := plot.New()
	p.Title.Text = "Episode reward"
	p.X.Label.Text = "Episode"
	p.Y.Label.Text = "Reward"

	raw, err := plotter.NewLine(series(rewards, first))
	if err != nil {
		return nil, err
	}
	raw.Color = rewardColor
	raw.Width = vg.Points(1)
	p.Add(raw)
	p.Legend.Add("reward", raw)

	avg, err := plotter.NewLine(series(MovingAverage(rewards, DefaultWindow), first))
	if err != nil {
		return nil, err
	}
	avg.Color = averageColor
	avg.Width = vg.Points(2)
	p.Add(avg)
	p.Legend.Add(fmt.Sprintf("mean of %d", DefaultWindow), avg)

	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders the reward plot to w.
func WritePNG(w io.Writer, rewards []float64, first int) error {
	p, err := RewardPlot(rewards, first)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG writes the reward plot to a timestamped file in dir and returns
// its path.
func SavePNG(dir string, rewards []float64, first int, now time.Time) (string, error) {
	p, err := RewardPlot(rewards, first)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("rewards-%s.png", now.UTC().Format("20060102-150405")))
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", fmt.Errorf("save %s: %w", path, err)
	}
	return path, nil
}
