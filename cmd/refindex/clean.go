package main

import (
	"flag-review/backend/internal/normalize"
	"flag-review/backend/internal/quality"
	"flag-review/backend/internal/store"
)

// Summary reports what the cleaning pass kept and why rows were dropped.
type Summary struct {
	Files   []string           `json:"files"`
	Read    int                `json:"read"`
	Kept    int                `json:"kept"`
	Dropped DropCounts         `json:"dropped"`
	Labels  []store.LabelCount `json:"labels"`
}

// DropCounts counts removed rows per reason. A row is counted under the
// first reason that removes it.
type DropCounts struct {
	TestLike       int `json:"test_like"`
	LowQuality     int `json:"low_quality"`
	ExactDuplicate int `json:"exact_duplicate"`
	NearDuplicate  int `json:"near_duplicate"`
}

// clean drops noise rows (unless keepNoise), then exact duplicates and
// near duplicates, keeping the first occurrence in input order.
func clean(refs []store.ReferenceReview, cfg quality.Config, keepNoise bool) ([]store.ReferenceReview, Summary) {
	summary := Summary{Read: len(refs)}
	exact := make(map[string]struct{}, len(refs))
	near := make(map[string]struct{}, len(refs))
	kept := make([]store.ReferenceReview, 0, len(refs))

	for _, ref := range refs {
		if !keepNoise {
			a := cfg.Assess(ref.Text)
			if a.TestLike {
				summary.Dropped.TestLike++
				continue
			}
			if a.LowQuality {
				summary.Dropped.LowQuality++
				continue
			}
		}
		exactKey := normalize.ForExact(ref.Text)
		if _, dup := exact[exactKey]; dup {
			summary.Dropped.ExactDuplicate++
			continue
		}
		exact[exactKey] = struct{}{}

		nearKey := normalize.ForNear(ref.Text)
		if _, dup := near[nearKey]; dup {
			summary.Dropped.NearDuplicate++
			continue
		}
		near[nearKey] = struct{}{}

		ref.TextKey = store.TextKey(ref.Text)
		kept = append(kept, ref)
	}
	summary.Kept = len(kept)
	return kept, summary
}
