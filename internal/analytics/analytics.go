package analytics

import (
	"context"
	"sort"
	"time"

	"sentinel-gateway/internal/storage"
)

type Source interface {
	ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]storage.AuditLog, error)
}

type Service struct {
	store Source
}

func New(store Source) *Service {
	return &Service{store: store}
}

type Report struct {
	Total   int
	ByLevel map[string]int
	ByEvent map[string]int
}

// PassRate is the share of finished captchas that were passed.
func (r Report) PassRate() float64 {
	passed := r.ByEvent["captcha_passed"]
	finished := passed + r.ByEvent["captcha_failed"] + r.ByEvent["captcha_timeout"]
	if finished == 0 {
		return 0
	}
	return float64(passed) / float64(finished)
}

// Events lists event names by descending count.
func (r Report) Events() []string {
	events := make([]string, 0, len(r.ByEvent))
	for event := range r.ByEvent {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		if r.ByEvent[events[i]] != r.ByEvent[events[j]] {
			return r.ByEvent[events[i]] > r.ByEvent[events[j]]
		}
		return events[i] < events[j]
	})
	return events
}

func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByLevel: make(map[string]int), ByEvent: make(map[string]int)}
	for _, log := range logs {
		report.Total++
		report.ByLevel[log.Level]++
		report.ByEvent[log.Event]++
	}
	return report, nil
}
