package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

// competitionResponse is the REST competition shape. Every field is optional
// on the wire, so presence is checked explicitly instead of defaulting.
type competitionResponse struct {
	Status  *flexString     `json:"status"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type competitionData struct {
	LeagueData *leagueData       `json:"league_data"`
	Matches    []json.RawMessage `json:"matches"`
	Table      *competitionTable `json:"table"`
}

type leagueData struct {
	LeagueID     *flexString `json:"league_id"`
	LeagueName   *string     `json:"league_name"`
	DistrictName *string     `json:"district_name"`
	SeasonID     *flexString `json:"season_id"`
}

type competitionTable struct {
	Entries []json.RawMessage `json:"entries"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// JSONClassifier reads the REST competition answer
// {status, message, data{league_data, matches, table{entries}}}.
type JSONClassifier struct {
	notFoundMessages []string
}

func NewJSONClassifier(notFoundMessages ...string) *JSONClassifier {
	if len(notFoundMessages) == 0 {
		notFoundMessages = []string{"no competition found"}
	}
	lower := make([]string, len(notFoundMessages))
	for i, m := range notFoundMessages {
		lower[i] = strings.ToLower(m)
	}
	return &JSONClassifier{notFoundMessages: lower}
}

func (c *JSONClassifier) Classify(body []byte) (Classification, error) {
	var resp competitionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Classification{}, fmt.Errorf("%w: decode response: %w", repository.ErrMalformedResponse, err)
	}
	if resp.Status == nil {
		return Classification{}, fmt.Errorf("%w: response has no status", repository.ErrMalformedResponse)
	}

	if *resp.Status == "1" && resp.Message != nil {
		msg := strings.ToLower(*resp.Message)
		for _, m := range c.notFoundMessages {
			if strings.Contains(msg, m) {
				return Classification{Outcome: entity.OutcomeNotFound}, nil
			}
		}
	}

	raw := bytes.TrimSpace(resp.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Classification{Outcome: entity.OutcomeNotFound}, nil
	}
	if raw[0] != '{' {
		return Classification{}, fmt.Errorf("%w: data is not an object", repository.ErrMalformedResponse)
	}
	var data competitionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return Classification{}, fmt.Errorf("%w: decode data: %w", repository.ErrMalformedResponse, err)
	}

	teams := 0
	if data.Table != nil {
		teams = len(data.Table.Entries)
	}
	if data.LeagueData == nil && len(data.Matches) == 0 && teams == 0 {
		return Classification{Outcome: entity.OutcomeNotFound}, nil
	}

	meta := entity.LeagueMetadata{
		MatchCount: len(data.Matches),
		TeamCount:  teams,
	}
	if ld := data.LeagueData; ld != nil {
		if ld.LeagueID != nil {
			meta.LeagueID = string(*ld.LeagueID)
		}
		if ld.LeagueName != nil {
			meta.LeagueName = *ld.LeagueName
		}
		if ld.DistrictName != nil {
			meta.DistrictName = *ld.DistrictName
		}
	}

	outcome := entity.OutcomeExistsWithData
	if meta.MatchCount == 0 {
		outcome = entity.OutcomeExistsEmpty
	}
	return Classification{Outcome: outcome, Metadata: meta, Leagues: 1}, nil
}
