package networth

import (
	"context"
	"log/slog"
	"time"

	"github.com/paperbroker/broker-engine/internal/metrics"
)

// minDecimationTarget is the floor below which decimation is refused; a
// smaller target would destroy the shape of the series.
const minDecimationTarget = 10

// Decimate compacts one user's net-worth history to at most target points,
// returning how many rows were removed. Two phases run over the series in
// timestamp order:
//
//  1. Flat-run collapse: a single backward sweep deletes the middle point of
//     every triple of consecutive identical values.
//  2. Gap-driven reduction: while the series is larger than target, the
//     point with the smallest time delta to its predecessor is removed and
//     its two adjacent deltas merged. The earliest point anchors the series
//     and is never removed.
//
// Deletions are persisted as one batched delete by row id at the end.
func (s *Service) Decimate(ctx context.Context, userID string, target int) (int, error) {
	if target < minDecimationTarget {
		return 0, nil
	}

	snaps, err := s.store.GetUserSnapshots(ctx, userID)
	if err != nil {
		return 0, err
	}

	var doomed []int64

	// Phase 1: flat-run collapse. Sweeping backward keeps indices of
	// not-yet-visited triples stable after each deletion.
	for i := len(snaps) - 3; i >= 0; i-- {
		if snaps[i].NetWorth.Equal(snaps[i+1].NetWorth) &&
			snaps[i+1].NetWorth.Equal(snaps[i+2].NetWorth) {
			doomed = append(doomed, snaps[i+1].ID)
			snaps = append(snaps[:i+1], snaps[i+2:]...)
		}
	}

	// Phase 2: greedy minimum-gap removal. deltas[j] is the time between
	// points j and j+1.
	if len(snaps) > target {
		deltas := make([]time.Duration, len(snaps)-1)
		for j := range deltas {
			deltas[j] = snaps[j+1].Timestamp.Sub(snaps[j].Timestamp)
		}

		for len(snaps) > target {
			idx := minDeltaIndex(deltas)
			if idx == 0 {
				// The smallest gap touches the earliest point, which is
				// the series anchor; shift to its right neighbor.
				idx = 1
			}

			doomed = append(doomed, snaps[idx].ID)
			snaps = append(snaps[:idx], snaps[idx+1:]...)
			deltas[idx-1] += deltas[idx]
			deltas = append(deltas[:idx], deltas[idx+1:]...)
		}
	}

	if len(doomed) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteSnapshots(ctx, doomed); err != nil {
		return 0, err
	}
	metrics.SnapshotsDecimated.Add(float64(len(doomed)))
	return len(doomed), nil
}

// minDeltaIndex returns the index of the smallest delta, ties broken by
// first occurrence.
func minDeltaIndex(deltas []time.Duration) int {
	idx := 0
	for j := 1; j < len(deltas); j++ {
		if deltas[j] < deltas[idx] {
			idx = j
		}
	}
	return idx
}

// DecimationReport summarizes one decimation pass.
type DecimationReport struct {
	Users   int `json:"users"`
	Deleted int `json:"deleted"`
}

// RunDecimationPass decimates every user's history to the target size.
// Per-user failures are logged and do not block the remaining users.
func (s *Service) RunDecimationPass(ctx context.Context, target int) (DecimationReport, error) {
	started := time.Now()
	var report DecimationReport

	userIDs, err := s.store.SnapshotUserIDs(ctx)
	if err != nil {
		return report, err
	}
	report.Users = len(userIDs)

	for _, userID := range userIDs {
		deleted, err := s.Decimate(ctx, userID, target)
		if err != nil {
			slog.Error("decimation failed for user", "user", userID, "err", err)
			continue
		}
		report.Deleted += deleted
	}

	metrics.PassDuration.WithLabelValues("decimation").Observe(time.Since(started).Seconds())
	slog.Info("decimation pass complete",
		"users", report.Users, "deleted", report.Deleted, "target", target)
	return report, nil
}
