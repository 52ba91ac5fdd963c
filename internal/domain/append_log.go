package domain

import "encoding/json"

// AppendLog is a strictly-append collection used for every audit trail kept on an
// aggregate (benefit history, voucher redemptions, financing payments, code history,
// fund movements). Entries can only be appended and read back as copies.
type AppendLog[T any] struct {
	entries   []T
	persisted int
}

// NewAppendLog builds a log from entries that are already stored.
func NewAppendLog[T any](entries ...T) AppendLog[T] {
	copied := make([]T, len(entries))
	copy(copied, entries)
	return AppendLog[T]{entries: copied, persisted: len(copied)}
}

// Append adds an entry at the end of the log.
func (l *AppendLog[T]) Append(entry T) {
	l.entries = append(l.entries, entry)
}

// Len returns the number of entries.
func (l AppendLog[T]) Len() int {
	return len(l.entries)
}

// Entries returns a copy of all entries, oldest first.
func (l AppendLog[T]) Entries() []T {
	out := make([]T, len(l.entries))
	copy(out, l.entries)
	return out
}

// Last returns the newest entry.
func (l AppendLog[T]) Last() (T, bool) {
	var zero T
	if len(l.entries) == 0 {
		return zero, false
	}
	return l.entries[len(l.entries)-1], true
}

// Pending returns the entries appended since the log was loaded or last persisted.
func (l AppendLog[T]) Pending() []T {
	if l.persisted >= len(l.entries) {
		return nil
	}
	out := make([]T, len(l.entries)-l.persisted)
	copy(out, l.entries[l.persisted:])
	return out
}

// MarkPersisted records that every current entry has been written to storage.
func (l *AppendLog[T]) MarkPersisted() {
	l.persisted = len(l.entries)
}

// Clone returns an independent copy that keeps the persisted watermark.
func (l AppendLog[T]) Clone() AppendLog[T] {
	copied := make([]T, len(l.entries))
	copy(copied, l.entries)
	return AppendLog[T]{entries: copied, persisted: l.persisted}
}

func (l AppendLog[T]) MarshalJSON() ([]byte, error) {
	if l.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

func (l *AppendLog[T]) UnmarshalJSON(data []byte) error {
	var entries []T
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	l.entries = entries
	l.persisted = len(entries)
	return nil
}
