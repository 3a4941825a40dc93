package wiring

import (
	"context"
	"errors"
	"fmt"
)

// Skip records an entry whose exchange failed.
type Skip struct {
	Entry string
	Err   error
}

// Report summarises one exchange pass.
type Report struct {
	Table   string
	Entries int
	Skipped []Skip
}

// Applied is the number of entries that exchanged cleanly.
func (r Report) Applied() int { return r.Entries - len(r.Skipped) }

// Err joins the causes of every skipped entry, or returns nil.
func (r Report) Err() error {
	if len(r.Skipped) == 0 {
		return nil
	}
	errs := make([]error, len(r.Skipped))
	for i, s := range r.Skipped {
		errs[i] = fmt.Errorf("%s: %w", s.Entry, s.Err)
	}
	return errors.Join(errs...)
}

// Table is an ordered list of transfers exchanged together.
type Table struct {
	name    string
	entries []Transfer
}

// NewTable returns a table with the given entries in declaration order.
func NewTable(name string, entries ...Transfer) *Table {
	return &Table{name: name, entries: append([]Transfer(nil), entries...)}
}

func (t *Table) Name() string { return t.name }

// Add appends an entry.
func (t *Table) Add(entries ...Transfer) {
	t.entries = append(t.entries, entries...)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a copy of the entries.
func (t *Table) Entries() []Transfer {
	return append([]Transfer(nil), t.entries...)
}

// Exchange runs every entry exactly once, in order. Failures are recorded in
// the report and do not stop the pass.
func (t *Table) Exchange(ctx context.Context, r Resolver) Report {
	rep := Report{}
	if t == nil {
		return rep
	}
	rep.Table = t.name
	rep.Entries = len(t.entries)
	for _, e := range t.entries {
		if err := e.Exchange(ctx, r); err != nil {
			rep.Skipped = append(rep.Skipped, Skip{Entry: e.Label(), Err: err})
		}
	}
	return rep
}
