package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/junction.control/internal/httputil"
	"github.com/banshee-data/junction.control/internal/report"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// rewardSeries returns the in-memory reward history and the episode number
// of its first entry.
func (s *Server) rewardSeries() ([]float64, int) {
	m := s.sim.Metrics()
	first := m.Episodes - len(m.RewardHistory) + 1
	if first < 1 {
		first = 1
	}
	return m.RewardHistory, first
}

func lineData(ys []float64) []opts.LineData {
	out := make([]opts.LineData, len(ys))
	for i, y := range ys {
		out[i] = opts.LineData{Value: y}
	}
	return out
}

// rewardChart renders the recent episode rewards and their moving average
// as an interactive line chart.
func (s *Server) rewardChart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rewards, first := s.rewardSeries()

	x := make([]string, len(rewards))
	for i := range rewards {
		x[i] = strconv.Itoa(first + i)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Episode rewards", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Episode reward", Subtitle: fmt.Sprintf("last %d episodes", len(rewards))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Episode", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Reward"}),
	)
	line.SetXAxis(x).
		AddSeries("reward", lineData(rewards)).
		AddSeries(fmt.Sprintf("mean of %d", report.DefaultWindow), lineData(report.MovingAverage(rewards, report.DefaultWindow)),
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// rewardPNG serves the same history as a static image.
func (s *Server) rewardPNG(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rewards, first := s.rewardSeries()

	var buf bytes.Buffer
	if err := report.WritePNG(&buf, rewards, first); err != nil {
		if errors.Is(err, report.ErrNoData) {
			httputil.WriteJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
