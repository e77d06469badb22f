package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sortgate/internal/sorting"
)

// AttachAdminRoutes mounts the distribution chart under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("distribution", "bar chart of items counted per category", s.handleDistributionChart)
}

// handleDistributionChart renders the session counter as a bar chart.
func (s *Server) handleDistributionChart(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Snapshot()

	x := make([]string, 0, len(sorting.Categories))
	y := make([]opts.BarData, 0, len(sorting.Categories))
	for _, cat := range sorting.Categories {
		x = append(x, cat.String())
		y = append(y, opts.BarData{Value: snap.Counts[cat]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sortgate distribution", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Items classified",
			Subtitle: fmt.Sprintf("session=%s total=%d at %s", snap.ID, snap.TotalCount, time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("items", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
