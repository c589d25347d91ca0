package migrate_test

import (
	"testing"

	"riskroute/internal/db"
	"riskroute/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if v, err := migrate.Current(conn); err != nil || v != 0 {
		t.Fatalf("fresh db version = %d, %v", v, err)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	current, err := migrate.Current(conn)
	if err != nil {
		t.Fatal(err)
	}
	if latest != 1 || current != latest {
		t.Fatalf("current = %d latest = %d", current, latest)
	}
	for _, table := range []string{"tasks", "attempts", "handoffs", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
