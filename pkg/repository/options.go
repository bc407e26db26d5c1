package repository

import (
	"fmt"
	"strings"
)

// ListOptions describes one page of an ordered scan.
type ListOptions struct {
	// Pagination
	Offset int `json:"offset"` // Number of records to skip
	Limit  int `json:"limit"`  // Maximum number of records to return

	// Sorting
	OrderBy   string `json:"order_by"`   // Field to sort by (e.g., "id")
	OrderDesc bool   `json:"order_desc"` // Sort in descending order

	// Locking
	ForUpdate  bool `json:"for_update"`  // SELECT ... FOR UPDATE (pessimistic locking)
	SkipLocked bool `json:"skip_locked"` // SKIP LOCKED (skip locked rows)
}

// Validate checks the page bounds.
func (o ListOptions) Validate() error {
	if o.Offset < 0 || o.Limit <= 0 {
		return fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidInput, o.Offset, o.Limit)
	}
	if o.SkipLocked && !o.ForUpdate {
		return fmt.Errorf("%w: skip_locked requires for_update", ErrInvalidInput)
	}
	return nil
}

// Clause renders the ORDER BY / LIMIT / OFFSET / locking suffix with '?'
// placeholders, returning the matching arguments.
func (o ListOptions) Clause() (string, []interface{}) {
	var b strings.Builder
	if o.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(o.OrderBy)
		if o.OrderDesc {
			b.WriteString(" DESC")
		}
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	if o.ForUpdate {
		b.WriteString(" FOR UPDATE")
		if o.SkipLocked {
			b.WriteString(" SKIP LOCKED")
		}
	}
	return b.String(), []interface{}{o.Limit, o.Offset}
}
