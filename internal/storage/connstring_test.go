package storage

import (
	"strings"
	"testing"
)

func TestSQLiteConnString(t *testing.T) {
	t.Setenv("ANTHILL_LOCK_TIMEOUT", "")

	want := "file:/tmp/a.db?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	if got := SQLiteConnString("/tmp/a.db", false); got != want {
		t.Errorf("SQLiteConnString = %q, want %q", got, want)
	}

	ro := SQLiteConnString("/tmp/a.db", true)
	if !strings.HasPrefix(ro, "file:/tmp/a.db?mode=ro&") {
		t.Errorf("read-only conn string %q is not mode=ro", ro)
	}
	if strings.Contains(ro, "journal_mode") {
		t.Errorf("read-only conn string %q sets journal_mode", ro)
	}

	if got := SQLiteConnString("  ", false); got != "" {
		t.Errorf("blank path gave %q, want empty", got)
	}
}

func TestSQLiteConnString_KeepsExistingPragmas(t *testing.T) {
	t.Setenv("ANTHILL_LOCK_TIMEOUT", "5s")
	got := SQLiteConnString("file:/tmp/a.db?_pragma=busy_timeout(100)", false)
	if !strings.Contains(got, "busy_timeout(100)") {
		t.Errorf("explicit busy_timeout dropped: %q", got)
	}
	if strings.Contains(got, "busy_timeout(5000)") {
		t.Errorf("env busy_timeout overrode the explicit one: %q", got)
	}
	if !strings.Contains(got, "&_pragma=journal_mode(WAL)") {
		t.Errorf("WAL pragma missing: %q", got)
	}
}

func TestMySQLConnString(t *testing.T) {
	tests := []struct {
		name                     string
		host                     string
		port                     int
		user, password, database string
		tls                      bool
		want                     string
	}{
		{"no password", "127.0.0.1", 3306, "root", "", "anthill", false, "root@tcp(127.0.0.1:3306)/anthill?parseTime=true"},
		{"tls without database", "db", 3307, "ctf", "pw", "", true, "ctf:pw@tcp(db:3307)/?parseTime=true&tls=true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MySQLConnString(tt.host, tt.port, tt.user, tt.password, tt.database, tt.tls)
			if got != tt.want {
				t.Errorf("MySQLConnString = %q, want %q", got, tt.want)
			}
		})
	}
}
