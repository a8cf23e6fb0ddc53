package commands

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/user/league-discovery/internal/entity"
)

var (
	sessionsListLimit int
	logsFilter        entity.LogFilter
	logsLevel         string
)

func init() {
	sessionsListCmd.Flags().IntVar(&sessionsListLimit, "limit", 20, "maximum number of sessions to show")

	f := sessionsLogsCmd.Flags()
	f.StringVar(&logsFilter.SessionID, "session", "", "only logs of this session")
	f.StringVar(&logsLevel, "level", "", "only logs of this level (DEBUG, INFO, WARNING, ERROR)")
	f.StringVar(&logsFilter.Search, "search", "", "only messages containing this text")
	f.IntVar(&logsFilter.Limit, "limit", 100, "maximum number of log lines")
	f.IntVar(&logsFilter.Offset, "offset", 0, "skip this many matching lines")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsLogsCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Reads the crawl session audit trail.",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list [--limit <n>]",
	Short: "Lists the most recent crawl sessions.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.AuditReader().RecentSessions(cmd.Context(), sessionsListLimit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No crawl sessions recorded.")
			return nil
		}
		renderSessions(cmd.OutOrStdout(), sessions)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session id>",
	Short: "Shows one session with its discoveries and errors.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.AuditReader().SessionDetails(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		s := d.Session

		t := newTable(out)
		t.SetTitle(s.ID)
		t.AppendRows([]table.Row{
			{"name", s.Name},
			{"spider", s.SpiderName},
			{"status", s.Status},
			{"started", formatTime(s.StartTime)},
			{"duration", formatDuration(s.Duration())},
			{"requests", s.TotalRequests},
			{"successful", fmt.Sprintf("%d (%s)", s.SuccessfulRequests, percent(s.SuccessfulRequests, s.TotalRequests))},
			{"failed", s.FailedRequests},
			{"leagues discovered", s.LeaguesDiscovered},
			{"logs", formatLogCounts(d.LogCounts)},
		})
		if s.ErrorMessage != "" {
			t.AppendRow(table.Row{"error", s.ErrorMessage})
		}
		t.Render()

		if len(d.Discoveries) > 0 {
			t = newTable(out)
			t.SetTitle("Discoveries")
			t.AppendHeader(table.Row{"Season", "League ID", "League", "District", "Matches", "Latency"})
			for _, disc := range d.Discoveries {
				t.AppendRow(table.Row{disc.Season, disc.LeagueID, disc.LeagueName, disc.DistrictName, disc.MatchCount, disc.Latency})
			}
			t.Render()
		}
		if len(d.Errors) > 0 {
			t = newTable(out)
			t.SetTitle("Errors")
			t.AppendHeader(table.Row{"Time", "Key", "Type", "Attempts", "Retryable", "Message"})
			for _, e := range d.Errors {
				t.AppendRow(table.Row{formatTime(e.OccurredAt), e.Context, e.ErrorType, e.Attempts, e.Retryable, e.Message})
			}
			t.Render()
		}
		return nil
	},
}

var sessionsLogsCmd = &cobra.Command{
	Use:   "logs [--session <id>] [--level <level>] [--search <text>]",
	Short: "Searches session log lines, newest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := logsFilter
		if logsLevel != "" {
			filter.Level = entity.LogLevel(strings.ToUpper(logsLevel))
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		logs, err := a.AuditReader().SearchLogs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Time", "Level", "Session", "Source", "Message"})
		for _, l := range logs {
			t.AppendRow(table.Row{formatTime(l.Timestamp), l.Level, l.SessionID, l.Source, l.Message})
		}
		t.Render()
		return nil
	},
}

func formatLogCounts(counts map[entity.LogLevel]int) string {
	var parts []string
	for _, lvl := range []entity.LogLevel{entity.LevelDebug, entity.LevelInfo, entity.LevelWarning, entity.LevelError} {
		if n := counts[lvl]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", lvl, n))
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}
