package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/usecase"
)

var crawlOpts struct {
	force     bool
	name      string
	seasons   []string
	districts []string
}

func init() {
	f := crawlCmd.Flags()
	f.BoolVar(&crawlOpts.force, "force", false, "ignore cached answers and probe every key")
	f.StringVar(&crawlOpts.name, "name", "", "session name (default: discovery <start time>)")
	f.StringSliceVar(&crawlOpts.seasons, "season", nil, "only crawl these seasons (repeatable)")
	f.StringSliceVar(&crawlOpts.districts, "district", nil, "only crawl these districts (repeatable)")
	rootCmd.AddCommand(crawlCmd)
}

var crawlCmd = &cobra.Command{
	Use:   "crawl [--force] [--season <year>]... [--district <id>]...",
	Short: "Walks the key space and records which leagues exist.",
	Long:  `Walks the configured key space, answering each key from the existence cache
and probing the portal only on a miss. Interrupting the command stops
dispatching; requests already sent finish and the session ends aborted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		space := a.KeySpace()
		if len(crawlOpts.seasons) > 0 {
			space.Seasons = crawlOpts.seasons
		}
		if len(crawlOpts.districts) > 0 {
			space.Districts = crawlOpts.districts
		}
		runner, err := a.NewRunner(space)
		if err != nil {
			return err
		}

		snapshot, err := json.Marshal(newCrawlSnapshot(space, crawlOpts.force))
		if err != nil {
			return err
		}
		name := crawlOpts.name
		if name == "" {
			name = fmt.Sprintf("discovery %s", time.Now().Format(time.DateTime))
		}

		log.Info("starting crawl", zap.Int("keys", space.Size()), zap.Bool("force_refresh", crawlOpts.force))
		report, err := runner.Run(cmd.Context(), usecase.RunOptions{
			Name:          name,
			Spider:        usecase.DefaultSpider,
			ForceRefresh:  crawlOpts.force,
			Configuration: string(snapshot),
		})
		if report.SessionID != "" {
			renderRunReport(cmd.OutOrStdout(), report)
		}
		return err
	},
}

// crawlSnapshot is the configuration stored with each session.
type crawlSnapshot struct {
	Seasons       []string `json:"seasons"`
	Districts     []string `json:"districts"`
	LeagueClasses []string `json:"league_classes"`
	AgeClasses    []string `json:"age_classes"`
	Genders       []string `json:"genders"`
	ForceRefresh  bool     `json:"force_refresh"`
	Competition   bool     `json:"competition_lookup"`
	MinDelay      string   `json:"min_delay"`
	MaxDelay      string   `json:"max_delay"`
	Concurrency   int      `json:"concurrency"`
	MaxAttempts   int      `json:"max_attempts"`
	PositiveTTL   string   `json:"positive_ttl"`
}

func newCrawlSnapshot(space usecase.KeySpace, force bool) crawlSnapshot {
	return crawlSnapshot{
		Seasons:       space.Seasons,
		Districts:     space.Districts,
		LeagueClasses: space.LeagueClasses,
		AgeClasses:    space.AgeClasses,
		Genders:       space.Genders,
		ForceRefresh:  force,
		Competition:   cfg.Portal.CompetitionLookup,
		MinDelay:      cfg.Politeness.MinDelay.String(),
		MaxDelay:      cfg.Politeness.MaxDelay.String(),
		Concurrency:   cfg.Politeness.Concurrency,
		MaxAttempts:   cfg.Retry.MaxAttempts,
		PositiveTTL:   cfg.Cache.PositiveTTL.String(),
	}
}

func renderRunReport(w io.Writer, r usecase.RunReport) {
	s := r.Summary
	t := newTable(w)
	t.SetTitle("Session %s: %s", r.SessionID, r.Status)
	t.AppendHeader(table.Row{"Outcome", "Keys"})
	t.AppendRows([]table.Row{
		{"cache hits", s.CacheHits},
		{"new leagues", s.NewlyExists},
		{"confirmed absent", s.NewlyAbsent},
		{"transient failures", s.TransientFailed},
		{"malformed", s.Malformed},
		{"abandoned", s.Abandoned},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"probes", s.Probes},
		{"retries", s.Retries},
	})
	t.AppendFooter(table.Row{"duration", formatDuration(r.Duration)})
	t.Render()
}
