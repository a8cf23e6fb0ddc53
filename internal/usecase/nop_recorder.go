package usecase

import (
	"context"
	"time"

	"github.com/user/league-discovery/internal/entity"
)

// NopRecorder is the SessionRecorder used when telemetry is disabled. It hands
// out session ids and discards everything else.
type NopRecorder struct{}

func (NopRecorder) Start(_ context.Context, _, spiderName, _ string) (string, error) {
	return entity.NewSessionID(spiderName, time.Now()), nil
}

func (NopRecorder) Log(context.Context, string, entity.LogLevel, string, string) error {
	return nil
}

func (NopRecorder) Discovery(context.Context, string, entity.Discovery) error {
	return nil
}

func (NopRecorder) Error(context.Context, string, entity.CrawlError) error {
	return nil
}

func (NopRecorder) Finish(context.Context, string, entity.SessionStatus, entity.RunSummary, string) error {
	return nil
}
