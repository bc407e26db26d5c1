package db

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		query  string
		want   string
	}{
		{
			name:   "mysql untouched",
			driver: DriverMySQL,
			query:  "SELECT id FROM invocations WHERE state = ? LIMIT ? OFFSET ?",
			want:   "SELECT id FROM invocations WHERE state = ? LIMIT ? OFFSET ?",
		},
		{
			name:   "postgres numbered",
			driver: DriverPostgres,
			query:  "SELECT id FROM invocations WHERE state = ? LIMIT ? OFFSET ?",
			want:   "SELECT id FROM invocations WHERE state = $1 LIMIT $2 OFFSET $3",
		},
		{
			name:   "postgres skips quoted literal",
			driver: DriverPostgres,
			query:  "UPDATE runs SET note = '?' WHERE id = ?",
			want:   "UPDATE runs SET note = '?' WHERE id = $1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rebind(tt.driver, tt.query); got != tt.want {
				t.Fatalf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := Open(&Config{Driver: DriverMySQL}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := Open(&Config{Driver: "sqlite", DSN: "file::memory:"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
