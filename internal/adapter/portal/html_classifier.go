package portal

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

// Rules describe how a league search result page is read. Columns are zero
// based cell indexes within a result row; a negative index disables the column.
type Rules struct {
	// NotFoundMarkers are texts the portal embeds in an otherwise successful
	// page when the filter combination is invalid or has no leagues.
	NotFoundMarkers []string
	// PageSelector matches an element present on every rendered search page,
	// with or without results. A page without it is not a search page.
	PageSelector      string
	RowSelector       string
	MinCells          int
	LeagueLinkPattern *regexp.Regexp
	NameColumn        int
	DistrictColumn    int
	MatchCountColumn  int
	TeamCountColumn   int
}

var DefaultNotFoundMarkers = []string{
	"Keine Einträge gefunden",
	"does not contain handler parameter",
	"Seite nicht gefunden",
}

// DefaultRules matches the Action=106 league table: Spielklasse, Altersklasse,
// Geschlecht, Bezirk, Kreis, Liganame, with a liga_id link in the row.
//
// That table carries no match or team counts, so both count columns are off:
// a league found is reported exists_with_data with zero counts, and
// exists_empty is never produced. Counts come from a CompetitionLookup on the
// client instead.
func DefaultRules() Rules {
	return Rules{
		NotFoundMarkers:   DefaultNotFoundMarkers,
		PageSelector:      `select[name="saison_id"], input[name="saison_id"]`,
		RowSelector:       "table tr",
		MinCells:          6,
		LeagueLinkPattern: regexp.MustCompile(`liga_id=(\d+)`),
		NameColumn:        5,
		DistrictColumn:    3,
		MatchCountColumn:  -1,
		TeamCountColumn:   -1,
	}
}

type HTMLClassifier struct {
	rules Rules
}

func NewHTMLClassifier(rules Rules) *HTMLClassifier {
	if rules.LeagueLinkPattern == nil {
		rules.LeagueLinkPattern = DefaultRules().LeagueLinkPattern
	}
	if rules.RowSelector == "" {
		rules.RowSelector = DefaultRules().RowSelector
	}
	return &HTMLClassifier{rules: rules}
}

func (c *HTMLClassifier) Classify(body []byte) (Classification, error) {
	for _, marker := range c.rules.NotFoundMarkers {
		if marker != "" && bytes.Contains(body, []byte(marker)) {
			return Classification{Outcome: entity.OutcomeNotFound}, nil
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Classification{}, fmt.Errorf("%w: parse html: %w", repository.ErrMalformedResponse, err)
	}

	var (
		leagues      []entity.LeagueMetadata
		matches      int
		teams        int
		countsBroken error
	)
	doc.Find(c.rules.RowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.ChildrenFiltered("td, th")
		if cells.Length() < c.rules.MinCells {
			return true
		}
		leagueID, ok := c.leagueID(row)
		if !ok {
			return true
		}

		meta := entity.LeagueMetadata{
			LeagueID:     leagueID,
			LeagueName:   cellText(cells, c.rules.NameColumn),
			DistrictName: cellText(cells, c.rules.DistrictColumn),
		}
		if meta.MatchCount, err = cellInt(cells, c.rules.MatchCountColumn); err != nil {
			countsBroken = err
			return false
		}
		if meta.TeamCount, err = cellInt(cells, c.rules.TeamCountColumn); err != nil {
			countsBroken = err
			return false
		}
		matches += meta.MatchCount
		teams += meta.TeamCount
		leagues = append(leagues, meta)
		return true
	})
	if countsBroken != nil {
		return Classification{}, fmt.Errorf("%w: %w", repository.ErrMalformedResponse, countsBroken)
	}

	if len(leagues) == 0 {
		if c.rules.PageSelector != "" && doc.Find(c.rules.PageSelector).Length() > 0 {
			return Classification{Outcome: entity.OutcomeNotFound}, nil
		}
		return Classification{}, fmt.Errorf("%w: no league rows and no search form", repository.ErrMalformedResponse)
	}

	meta := leagues[0]
	meta.MatchCount = matches
	meta.TeamCount = teams
	outcome := entity.OutcomeExistsWithData
	if c.rules.MatchCountColumn >= 0 && matches == 0 {
		outcome = entity.OutcomeExistsEmpty
	}
	return Classification{Outcome: outcome, Metadata: meta, Leagues: len(leagues)}, nil
}

func (c *HTMLClassifier) leagueID(row *goquery.Selection) (string, bool) {
	var id string
	row.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if m := c.rules.LeagueLinkPattern.FindStringSubmatch(href); len(m) > 1 {
			id = m[1]
			return false
		}
		return true
	})
	return id, id != ""
}

func cellText(cells *goquery.Selection, i int) string {
	if i < 0 || i >= cells.Length() {
		return ""
	}
	return strings.Join(strings.Fields(cells.Eq(i).Text()), " ")
}

func cellInt(cells *goquery.Selection, i int) (int, error) {
	if i < 0 {
		return 0, nil
	}
	text := cellText(cells, i)
	if text == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("column %d: %q is not a count", i, text)
	}
	return n, nil
}
