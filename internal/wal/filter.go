package wal

// HistoryTable is the pipeline's own sink. Changes to it are never
// propagated, regardless of the tracked set.
const HistoryTable = "change_history"

// Filter decides which tables participate in the change feed. It is the
// single source of truth; callers must not short-circuit elsewhere.
type Filter struct {
	tracked map[string]struct{}
}

// NewFilter creates a Filter over the configured tracked tables.
func NewFilter(tables []string) *Filter {
	tracked := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		tracked[t] = struct{}{}
	}
	return &Filter{tracked: tracked}
}

// ShouldTrack reports whether changes to the given table are propagated.
func (f *Filter) ShouldTrack(table string) bool {
	if table == HistoryTable {
		return false
	}
	_, ok := f.tracked[table]
	return ok
}

// Tables returns the configured tracked tables.
func (f *Filter) Tables() []string {
	out := make([]string, 0, len(f.tracked))
	for t := range f.tracked {
		out = append(out, t)
	}
	return out
}
