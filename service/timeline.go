package service

import (
	"context"
	"sort"
	"time"

	"capture-worker/dto"
	"capture-worker/repository"
)

// DayBoundaryHour is the local hour at which capture days roll over. An
// event at 03:59 belongs to the previous calendar day. The boundary and its
// tie-break rule are policy shared with downstream consumers; do not change
// them without migrating stored day groupings.
const DayBoundaryHour = 4

// DayKey returns midnight (local) of the capture day owning t.
func DayKey(t time.Time) time.Time {
	shifted := t.Add(-time.Duration(DayBoundaryHour) * time.Hour)
	year, month, day := shifted.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// DayRange returns the [start, end) epoch-second window of the capture day
// whose DayKey is day.
func DayRange(day time.Time) (int64, int64) {
	start := time.Date(day.Year(), day.Month(), day.Day(), DayBoundaryHour, 0, 0, 0, day.Location())
	return start.Unix(), start.Add(24 * time.Hour).Unix()
}

// ResolveClockTime places a clock-only reading (hour:minute) on a concrete
// day near ref. Candidates on the previous, same, and next day are
// considered and the one nearest ref wins; an exact tie resolves to the
// earlier candidate. This disambiguates readings near midnight, where the
// naive same-day placement can be almost a full day off.
func ResolveClockTime(hour, minute int, ref time.Time) time.Time {
	year, month, day := ref.Date()
	sameDay := time.Date(year, month, day, hour, minute, 0, 0, ref.Location())

	best := sameDay
	bestDist := absDuration(sameDay.Sub(ref))
	for _, offset := range []int{-1, 1} {
		candidate := sameDay.AddDate(0, 0, offset)
		dist := absDuration(candidate.Sub(ref))
		if dist < bestDist || (dist == bestDist && candidate.Before(best)) {
			best = candidate
			bestDist = dist
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

type TimelineService interface {
	Cards(ctx context.Context, fromTs, toTs int64) ([]*dto.TimelineCard, error)
}

type timelineService struct {
	store repository.ChunkStore
}

func NewTimelineService(store repository.ChunkStore) TimelineService {
	return &timelineService{store: store}
}

// Cards groups completed chunks in [fromTs, toTs) into per-day summaries.
func (s *timelineService) Cards(ctx context.Context, fromTs, toTs int64) ([]*dto.TimelineCard, error) {
	chunks, err := s.store.GetChunksByTimeRange(ctx, fromTs, toTs)
	if err != nil {
		return nil, err
	}

	byDay := make(map[time.Time]*dto.TimelineCard)
	for _, chunk := range chunks {
		day := DayKey(time.Unix(chunk.StartTs, 0))
		card, ok := byDay[day]
		if !ok {
			card = &dto.TimelineCard{Day: day}
			byDay[day] = card
		}
		card.ChunkCount++
		card.TotalBytes += chunk.FileSize
		card.CoveredSeconds += chunk.EndTs - chunk.StartTs
	}

	cards := make([]*dto.TimelineCard, 0, len(byDay))
	for _, card := range byDay {
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Day.Before(cards[j].Day) })
	return cards, nil
}
