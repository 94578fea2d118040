package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/nosh-agent/nosh/internal/buildinfo"
)

const dashboardShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Nosh</title>
<style>
body { font-family: -apple-system, sans-serif; max-width: 640px; margin: 2rem auto; padding: 0 1rem; color: #222; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
footer { margin-top: 2rem; color: #888; font-size: 0.8rem; }
</style>
</head>
<body>
%s
<footer>%s &middot; uptime %s</footer>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = () => setTimeout(() => location.reload(), 500);
</script>
</body>
</html>`

// handleDashboard renders the current state as a single page: the
// active plan, today's food log, and the latest vitals. It reloads
// itself when a pipeline event arrives over the websocket.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	md, err := s.dashboardMarkdown()
	if err != nil {
		s.logger.Error("dashboard render failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var body bytes.Buffer
	if err := goldmark.Convert([]byte(md), &body); err != nil {
		s.logger.Error("markdown conversion failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, dashboardShell, body.String(),
		buildinfo.String(), buildinfo.Uptime().Truncate(time.Second))
}

// dashboardMarkdown assembles the page source. Markdown keeps the
// layout readable here and lets goldmark worry about HTML.
func (s *Server) dashboardMarkdown() (string, error) {
	var b strings.Builder
	b.WriteString("# Nosh\n\n")

	if s.profiles != nil {
		p, err := s.profiles.Load()
		if err != nil {
			return "", fmt.Errorf("load profile: %w", err)
		}
		if p == nil {
			b.WriteString("## Plan\n\nNo active plan. The next conversation starts onboarding.\n\n")
		} else {
			day := p.CurrentDay(time.Now())
			fmt.Fprintf(&b, "## Plan (day %d)\n\n", day)
			fmt.Fprintf(&b, "- Weight: %.1f kg, target %.1f kg\n", p.CurrentWeight, p.TargetWeight)
			fmt.Fprintf(&b, "- Daily target: **%d kcal** (%dg protein / %dg carbs / %dg fat)\n",
				p.DailyTarget, p.Macros.Protein, p.Macros.Carbs, p.Macros.Fat)
			if p.StrategyNote != "" {
				fmt.Fprintf(&b, "- Strategy: %s\n", p.StrategyNote)
			}
			b.WriteString("\n")
		}
	}

	if s.foodLog != nil {
		log, err := s.foodLog.Today()
		if err != nil {
			return "", fmt.Errorf("load food log: %w", err)
		}
		fmt.Fprintf(&b, "## Food today (%s)\n\n", log.Date)
		if len(log.Entries) == 0 {
			b.WriteString("Nothing logged yet.\n\n")
		} else {
			b.WriteString("| Time | Food | kcal |\n|---|---|---|\n")
			for _, e := range log.Entries {
				fmt.Fprintf(&b, "| %s | %s | %d |\n", e.Time, e.Food, e.Calories)
			}
			fmt.Fprintf(&b, "\n**Total: %d kcal**\n\n", log.TotalCalories)
		}
	}

	return b.String(), nil
}
