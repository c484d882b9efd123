package postgres

import (
	"strings"
	"testing"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations(1024)
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations embedded")
	}
	for i, m := range migrations {
		if i > 0 && m.Version <= migrations[i-1].Version {
			t.Errorf("migrations out of order: %d after %d", m.Version, migrations[i-1].Version)
		}
		if strings.Contains(m.SQL, "{dim}") {
			t.Errorf("migration %d still contains the dimension placeholder", m.Version)
		}
	}
	if !strings.Contains(migrations[0].SQL, "vector(1024)") {
		t.Error("dimension not substituted into vector columns")
	}
}
