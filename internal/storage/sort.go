package storage

import (
	"sort"

	"github.com/hyperjump/kioku/internal/models"
)

func sortBySequence(metas []*models.EnrichedMetadata) {
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Sequence != metas[j].Sequence {
			return metas[i].Sequence < metas[j].Sequence
		}
		return metas[i].MessageID < metas[j].MessageID
	})
}
