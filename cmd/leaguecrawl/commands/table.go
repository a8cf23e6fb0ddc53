package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/user/league-discovery/internal/entity"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

func renderLeagues(w io.Writer, title string, entries []entity.LeagueCacheEntry) {
	t := newTable(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Season", "League ID", "League", "District", "Matches", "Teams", "Last checked"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.Key.Season, e.LeagueID, e.LeagueName, e.DistrictName,
			e.MatchCount, e.TeamCount, formatTime(e.LastChecked),
		})
	}
	t.Render()
}

func renderSessions(w io.Writer, sessions []entity.CrawlSession) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Session", "Name", "Started", "Duration", "Status", "Requests", "Failed", "Leagues"})
	for _, s := range sessions {
		t.AppendRow(table.Row{
			s.ID, s.Name, formatTime(s.StartTime), formatDuration(s.Duration()), s.Status,
			s.TotalRequests, s.FailedRequests, s.LeaguesDiscovered,
		})
	}
	t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func percent(part, total int) string {
	if total == 0 {
		return "-"
	}
	return formatPercent(float64(part) / float64(total))
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}
