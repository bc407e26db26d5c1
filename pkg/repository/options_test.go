package repository

import (
	"errors"
	"testing"
)

func TestListOptionsClause(t *testing.T) {
	tests := []struct {
		name string
		opts ListOptions
		want string
	}{
		{name: "plain", opts: ListOptions{Limit: 10}, want: " LIMIT ? OFFSET ?"},
		{name: "ordered", opts: ListOptions{Limit: 10, OrderBy: "id"}, want: " ORDER BY id LIMIT ? OFFSET ?"},
		{name: "desc", opts: ListOptions{Limit: 1, OrderBy: "id", OrderDesc: true}, want: " ORDER BY id DESC LIMIT ? OFFSET ?"},
		{name: "locked", opts: ListOptions{Limit: 10, OrderBy: "id", ForUpdate: true}, want: " ORDER BY id LIMIT ? OFFSET ? FOR UPDATE"},
		{name: "skip locked", opts: ListOptions{Limit: 10, ForUpdate: true, SkipLocked: true}, want: " LIMIT ? OFFSET ? FOR UPDATE SKIP LOCKED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := tt.opts.Clause()
			if got != tt.want {
				t.Fatalf("Clause() = %q, want %q", got, tt.want)
			}
			if len(args) != 2 || args[0] != tt.opts.Limit || args[1] != tt.opts.Offset {
				t.Fatalf("unexpected args %v", args)
			}
		})
	}
}

func TestListOptionsValidate(t *testing.T) {
	bad := []ListOptions{
		{Limit: 0},
		{Limit: 5, Offset: -1},
		{Limit: 5, SkipLocked: true},
	}
	for _, opts := range bad {
		if err := opts.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Validate(%+v) = %v, want ErrInvalidInput", opts, err)
		}
	}
	if err := (ListOptions{Limit: 10, Offset: 9, ForUpdate: true}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
