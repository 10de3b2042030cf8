package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/citeline/internal/config"
	"github.com/zulandar/citeline/internal/models"
	"gorm.io/gorm"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		user     string
		password string
		database string
		want     string
	}{
		{
			name:     "default local",
			host:     "127.0.0.1",
			port:     3306,
			user:     "root",
			database: "citeline",
			want:     "root@tcp(127.0.0.1:3306)/citeline?parseTime=true",
		},
		{
			name:     "with password",
			host:     "10.0.0.5",
			port:     3307,
			user:     "app",
			password: "pw",
			database: "citeline_prod",
			want:     "app:pw@tcp(10.0.0.5:3307)/citeline_prod?parseTime=true",
		},
		{
			name: "admin without database",
			host: "db.internal",
			port: 3306,
			user: "root",
			want: "root@tcp(db.internal:3306)/?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.host, tt.port, tt.user, tt.password, tt.database)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	if got := SQLiteDSN(":memory:"); got != ":memory:" {
		t.Errorf("SQLiteDSN(:memory:) = %q", got)
	}
	got := SQLiteDSN("/tmp/c.db")
	if !strings.HasPrefix(got, "/tmp/c.db?") || !strings.Contains(got, "_busy_timeout=5000") {
		t.Errorf("SQLiteDSN(file) = %q", got)
	}
}

func TestConnect_Signature(t *testing.T) {
	var fn func(string, int, string, string, string) (*gorm.DB, error) = Connect
	if fn == nil {
		t.Fatal("Connect function is nil")
	}
}

func TestConnect_Error(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Connect("127.0.0.1", 1, "root", "", "nonexistent")
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Fatalf("err = %v, want unsupported driver", err)
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 6 {
		t.Errorf("AllModels() returned %d models, want 6", got)
	}
}

func TestAutoMigrate_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "citeline.db")
	gormDB, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	for _, m := range AllModels() {
		if !gormDB.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
	if !gormDB.Migrator().HasIndex(&models.Session{}, "ActiveOwner") {
		t.Error("unique index on chat_sessions.active_owner not created")
	}
}

func TestAutoMigrate_ActiveOwnerUnique(t *testing.T) {
	gormDB, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := AutoMigrate(gormDB); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	owner := "u-1"
	first := models.Session{ID: "s-1", UserID: owner, OrganizationID: "o-1", IsActive: true, ActiveOwner: &owner}
	if err := gormDB.Create(&first).Error; err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := models.Session{ID: "s-2", UserID: owner, OrganizationID: "o-1", IsActive: true, ActiveOwner: &owner}
	if err := gormDB.Create(&second).Error; err == nil {
		t.Fatal("expected unique violation for a second active session")
	}

	// Inactive sessions carry a NULL owner and never collide.
	for _, id := range []string{"s-3", "s-4"} {
		s := models.Session{ID: id, UserID: owner, OrganizationID: "o-1"}
		if err := gormDB.Create(&s).Error; err != nil {
			t.Fatalf("create inactive %s: %v", id, err)
		}
	}
}
