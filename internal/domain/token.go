package domain

import "time"

// Token is an opaque bearer credential scoped to one provider. The order of a
// provider's token slice is its selection priority.
type Token string

// TokenHealth records provider-reported quota exhaustion for one token.
// Marks carry the UTC calendar day they were made on; a mark from a previous
// day reads as not exhausted without being cleared.
type TokenHealth struct {
	Exhausted bool   `json:"exhausted"`
	MarkedDay string `json:"marked_day"` // UTC, formatted 2006-01-02
}

// DayKey formats t as the UTC calendar day used for exhaustion marks.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ExhaustedOn reports whether the mark counts as exhausted on the given day.
func (h TokenHealth) ExhaustedOn(day string) bool {
	return h.Exhausted && h.MarkedDay == day
}
