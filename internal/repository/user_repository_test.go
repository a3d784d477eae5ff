package repository

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
)

func newTestRepo(t *testing.T) UserRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewUserRepository(db)
}

func TestCreateAndFindByEmailNormalizesCase(t *testing.T) {
	repo := newTestRepo(t)
	user := &domain.User{Email: "  Jane@Example.COM ", PasswordHash: "x", Status: domain.StatusPendingVerification}
	if err := repo.Create(user); err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.Email != "jane@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	got, err := repo.FindByEmail("JANE@example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("expected user %d, got %d", user.ID, got.ID)
	}
}

func TestCreateDuplicateEmailReturnsEmailTaken(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Create(&domain.User{Email: "dup@example.com", PasswordHash: "x", Status: domain.StatusActive}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(&domain.User{Email: "DUP@example.com", PasswordHash: "y", Status: domain.StatusActive})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestFindMissingUserReturnsNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.FindByID(999); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound by id, got %v", err)
	}
	if _, err := repo.FindByEmail("ghost@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound by email, got %v", err)
	}
}

func TestUpdateStatusAndPasswordHash(t *testing.T) {
	repo := newTestRepo(t)
	user := &domain.User{Email: "u@example.com", PasswordHash: "old", Status: domain.StatusPendingVerification}
	if err := repo.Create(user); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.UpdateStatus(user.ID, domain.StatusActive); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := repo.UpdatePasswordHash(user.ID, "new"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if err := repo.TouchLastLogin(user.ID, time.Now().UTC()); err != nil {
		t.Fatalf("touch last login: %v", err)
	}
	got, err := repo.FindByID(user.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != domain.StatusActive || got.PasswordHash != "new" || got.LastLoginAt == nil {
		t.Fatalf("updates not applied: %+v", got)
	}
}
