package convdb

import "sort"

// Merge combines two message sequences, de-duplicating by ID with the
// incoming copy winning on collision. The result is sorted ascending by
// timestamp. Merge is pure and idempotent: merging the same incoming set
// twice yields the same sequence.
func Merge(existing []Message, incoming []Message) []Message {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}

	seen := make(map[string]Message, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	for _, msg := range existing {
		if _, ok := seen[msg.ID]; !ok {
			order = append(order, msg.ID)
		}
		seen[msg.ID] = msg
	}

	for _, msg := range incoming {
		if _, ok := seen[msg.ID]; !ok {
			order = append(order, msg.ID)
		}
		seen[msg.ID] = msg
	}

	merged := make([]Message, 0, len(order))
	for _, id := range order {
		merged = append(merged, seen[id])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	return merged
}
