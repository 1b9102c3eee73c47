package db

import (
	"context"
	"os"
	"testing"
)

func TestMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	database, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()
	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Running twice must be a no-op.
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	for _, table := range []string{"queue", "requests"} {
		var n int
		if err := database.QueryRow("SELECT COUNT(1) FROM " + table).Scan(&n); err != nil {
			t.Errorf("table %s not usable: %v", table, err)
		}
	}
}
