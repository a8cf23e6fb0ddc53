package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

var (
	cacheListLimit   int
	cacheSearchLimit int
	cacheCleanDays   int
)

func init() {
	cacheListCmd.Flags().IntVar(&cacheListLimit, "limit", 50, "maximum number of leagues to show")
	cacheSearchCmd.Flags().IntVar(&cacheSearchLimit, "limit", 20, "maximum number of leagues to show")
	cacheCleanCmd.Flags().IntVar(&cacheCleanDays, "days", 30, "remove entries last checked more than this many days ago")

	cacheCmd.AddCommand(cacheListCmd, cacheStatsCmd, cacheSearchCmd, cacheCleanCmd, cacheExportCmd, cacheStatusCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspects and maintains the league existence cache.",
}

var cacheListCmd = &cobra.Command{
	Use:   "list [--limit <n>]",
	Short: "Lists leagues known to exist, newest season first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.CacheManager().List(cmd.Context(), cacheListLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No existing leagues found in cache.")
			return nil
		}
		renderLeagues(cmd.OutOrStdout(), fmt.Sprintf("%d existing leagues", len(entries)), entries)
		return nil
	},
}

var cacheSearchCmd = &cobra.Command{
	Use:   "search <term> [--limit <n>]",
	Short: "Searches existing leagues by name, district or league id.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.CacheManager().Search(cmd.Context(), args[0], cacheSearchLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No leagues found matching %q\n", args[0])
			return nil
		}
		renderLeagues(cmd.OutOrStdout(), fmt.Sprintf("Leagues matching %q", args[0]), entries)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Shows cache totals per season and the most recent sessions.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.CacheManager().Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		t := newTable(out)
		t.SetTitle("League cache")
		t.AppendRows([]table.Row{
			{"keys checked", stats.Total, ""},
			{"leagues found", stats.Existing, percent(stats.Existing, stats.Total)},
			{"not found", stats.NonExisting, percent(stats.NonExisting, stats.Total)},
		})
		t.Render()

		if len(stats.BySeason) > 0 {
			t = newTable(out)
			t.SetTitle("By season")
			t.AppendHeader(table.Row{"Season", "Checked", "Existing", "Rate"})
			for _, s := range stats.BySeason {
				t.AppendRow(table.Row{s.Season, s.Checked, s.Existing, percent(s.Existing, s.Checked)})
			}
			t.Render()
		}

		sessions, err := a.AuditReader().RecentSessions(cmd.Context(), 5)
		if err != nil {
			return err
		}
		if len(sessions) > 0 {
			renderSessions(out, sessions)
		}
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean [--days <n>]",
	Short: "Removes entries last checked more than --days ago, negatives included.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cacheCleanDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.CacheManager().Clean(cmd.Context(), time.Duration(cacheCleanDays)*24*time.Hour)
		if err != nil {
			return fmt.Errorf("clean incomplete after removing %d entries: %w", n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleaned %d cache entries older than %d days\n", n, cacheCleanDays)
		return nil
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Writes every existing league to a JSON file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()

		n, err := a.CacheManager().Export(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d existing leagues to %s\n", n, args[0])
		return nil
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:     "status <season/district/class/age/gender>",
	Short:   "Shows the cached answer for one key.",
	Example: "  leaguecrawl cache status 2018/5/0/-3/0",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := entity.ParseProbeKey(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.CacheManager().Status(cmd.Context(), key)
		if errors.Is(err, repository.ErrCacheMiss) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not cached\n", key)
			return nil
		}
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.SetTitle(key.String())
		t.AppendRow(table.Row{"exists", entry.Exists})
		if entry.Exists {
			t.AppendRows([]table.Row{
				{"league id", entry.LeagueID},
				{"league", entry.LeagueName},
				{"district", entry.DistrictName},
				{"matches", entry.MatchCount},
				{"teams", entry.TeamCount},
			})
		}
		t.AppendRow(table.Row{"last checked", formatTime(entry.LastChecked)})
		t.Render()
		return nil
	},
}
