package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://u:p@db/x", Host: "ignored"},
			want: "postgres://u:p@db/x",
		},
		{
			name: "defaults",
			cfg:  ClientConfig{Host: "localhost", Database: "omenarb", User: "omen", Password: "pw"},
			want: "postgres://omen:pw@localhost:5432/omenarb?sslmode=disable",
		},
		{
			name: "custom port and ssl",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "d", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@db:6543/d?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrationFilesOrdered(t *testing.T) {
	names, err := migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(names) < 3 {
		t.Fatalf("found %d migrations, want at least 3", len(names))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("migrations out of order: %s before %s", names[i-1], names[i])
		}
	}
	data, err := migrationsFS.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read %s: %v", names[0], err)
	}
	if !strings.Contains(string(data), "CREATE TABLE IF NOT EXISTS opportunities") {
		t.Errorf("first migration does not create opportunities")
	}
}

func TestAuditQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	query, args := auditQuery(domain.ListOpts{Since: &since, Until: &until, Limit: 10, Offset: 5}, "DESC")
	for _, frag := range []string{"created_at >= $1", "created_at < $2", "ORDER BY created_at DESC", "LIMIT $3", "OFFSET $4"} {
		if !strings.Contains(query, frag) {
			t.Errorf("query %q missing %q", query, frag)
		}
	}
	if len(args) != 4 {
		t.Errorf("args = %d, want 4", len(args))
	}

	query, args = auditQuery(domain.ListOpts{}, "ASC")
	if strings.Contains(query, "$") || len(args) != 0 {
		t.Errorf("unfiltered query = %q args=%v", query, args)
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Error("empty string should map to NULL")
	}
	if p := nullIfEmpty("x"); p == nil || *p != "x" {
		t.Error("non-empty string should be kept")
	}
}
