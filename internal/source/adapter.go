package source

import (
	"context"
	"fmt"

	"github.com/getreach/reachd/internal/store"
)

// PreviewResult is the outcome of a preview run: sample rows and the
// inferred mapping, without committing anything
type PreviewResult struct {
	Mapping        Mapping `json:"mapping"`
	TotalRows      int     `json:"total_rows"`
	SkippedInvalid int     `json:"skipped_invalid"`
	Sample         []Row   `json:"sample"`
}

// CommitStats is the outcome of committing a source into a campaign
type CommitStats struct {
	Added          int `json:"added"`
	Duplicates     int `json:"duplicates"`
	SkippedInvalid int `json:"skipped_invalid"`
}

// Preview reads up to sampleSize valid rows without persisting targets
func Preview(ctx context.Context, src *CSVSource, sampleSize int) (*PreviewResult, error) {
	if sampleSize <= 0 {
		sampleSize = 5
	}

	rows, err := src.FetchRows(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows: %w", err)
	}

	res := &PreviewResult{
		Mapping:   src.Mapping(),
		TotalRows: len(rows),
	}
	for _, r := range rows {
		if r.ProfileRef == "" || r.Message == "" {
			res.SkippedInvalid++
			continue
		}
		if len(res.Sample) < sampleSize {
			res.Sample = append(res.Sample, r)
		}
	}

	return res, nil
}

// Commit persists the full deduplicated target set for a campaign. Rows
// missing a profile identifier or message are dropped and counted, not
// errored. Re-running commit on the same source is idempotent by row
// identity.
func Commit(ctx context.Context, st *store.Store, campaignID string, src RowSource) (*CommitStats, error) {
	rows, err := src.FetchRows(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rows: %w", err)
	}

	stats := &CommitStats{}
	seen := make(map[string]bool)
	var targets []*store.Target

	for _, r := range rows {
		if r.ProfileRef == "" || r.Message == "" {
			stats.SkippedInvalid++
			continue
		}
		// Same profile appearing on multiple rows: first row wins
		if seen[r.ProfileRef] {
			stats.Duplicates++
			continue
		}
		seen[r.ProfileRef] = true

		targets = append(targets, &store.Target{
			CampaignID: campaignID,
			ProfileRef: r.ProfileRef,
			Message:    r.Message,
			RowIndex:   r.Index,
			Status:     store.TargetPending,
		})
	}

	added, dups, err := st.AddTargets(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to store targets: %w", err)
	}
	stats.Added = added
	stats.Duplicates += dups

	return stats, nil
}
