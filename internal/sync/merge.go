package sync

import (
	"github.com/avandermeer/pimsync/internal/model"
)

// Merge combines two items into one, preferring primary for scalar fields.
// It is a pure helper for interactive duplicate resolution: the caller stages
// the merged item and deletes the other one.
//
// Multi-valued fields are unioned. Two entries are considered the same when
// their normalized forms match (case-insensitive for emails, digits-only for
// phones); the primary's spelling is kept and the secondary contributes only
// values the primary lacks. Notes are concatenated when both sides have
// distinct text.
func Merge(primary, secondary *model.Item) *model.Item {
	merged := &model.Item{
		UID:        primary.UID,
		Name:       firstNonEmpty(primary.Name, secondary.Name),
		Nickname:   firstNonEmpty(primary.Nickname, secondary.Nickname),
		Emails:     unionBy(primary.Emails, secondary.Emails, model.NormalizeEmail),
		Phones:     unionBy(primary.Phones, secondary.Phones, model.NormalizePhone),
		Notes:      mergeNotes(primary.Notes, secondary.Notes),
		ModifiedAt: primary.ModifiedAt,
	}
	if secondary.ModifiedAt.After(merged.ModifiedAt) {
		merged.ModifiedAt = secondary.ModifiedAt
	}
	return merged
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// unionBy appends entries from b whose normalized key is absent from a,
// preserving a's order and spelling. Duplicate keys within a single input are
// collapsed too.
func unionBy(a, b []string, key func(string) string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			k := key(v)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func mergeNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return a + "\n\n" + b
	}
}
