package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/johnnydxm/dwaybank-auth/internal/domain"
)

func newTestRegistry(t *testing.T) (*RedisSessionRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionRegistry(client, "authtest"), mr
}

func TestCreateAndGetSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.CreateSession(ctx, 7, SessionMetadata{UserAgent: "ua", IP: "10.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.ID == "" || created.FamilyID == "" {
		t.Fatal("expected session and family ids to be assigned")
	}

	got, err := reg.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != 7 || got.UserAgent != "ua" || got.IP != "10.0.0.1" {
		t.Fatalf("unexpected session payload: %+v", got)
	}

	active, err := reg.IsSessionActive(ctx, created.ID)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if !active {
		t.Fatal("expected fresh session to be active")
	}
}

func TestGetSessionMissingReturnsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.GetSession(context.Background(), "no-such"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRotateRefreshTokenSwapsHash(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, 1, SessionMetadata{}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := reg.BindRefreshToken(ctx, s.ID, "hash-1"); err != nil {
		t.Fatalf("bind token: %v", err)
	}

	res, err := reg.RotateRefreshToken(ctx, s.ID, "hash-1", "hash-2", time.Hour)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res != RotateOK {
		t.Fatalf("expected RotateOK, got %v", res)
	}

	got, err := reg.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.CurrentTokenHash != "hash-2" {
		t.Fatalf("expected current hash to advance, got %q", got.CurrentTokenHash)
	}
}

func TestRotateWithStaleHashRevokesSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, 1, SessionMetadata{}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := reg.BindRefreshToken(ctx, s.ID, "hash-1"); err != nil {
		t.Fatalf("bind token: %v", err)
	}
	if res, err := reg.RotateRefreshToken(ctx, s.ID, "hash-1", "hash-2", time.Hour); err != nil || res != RotateOK {
		t.Fatalf("first rotation failed: res=%v err=%v", res, err)
	}

	// Replaying the superseded hash is the reuse signal.
	res, err := reg.RotateRefreshToken(ctx, s.ID, "hash-1", "hash-3", time.Hour)
	if err != nil {
		t.Fatalf("rotate with stale hash: %v", err)
	}
	if res != RotateReuseDetected {
		t.Fatalf("expected RotateReuseDetected, got %v", res)
	}

	active, err := reg.IsSessionActive(ctx, s.ID)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if active {
		t.Fatal("expected session to be revoked after reuse detection")
	}
	got, _ := reg.GetSession(ctx, s.ID)
	if got.RevokedReason != "reuse_detected" {
		t.Fatalf("expected reuse_detected reason, got %q", got.RevokedReason)
	}

	// The legitimate holder is locked out too.
	res, err = reg.RotateRefreshToken(ctx, s.ID, "hash-2", "hash-4", time.Hour)
	if err != nil {
		t.Fatalf("rotate after revocation: %v", err)
	}
	if res != RotateRevoked {
		t.Fatalf("expected RotateRevoked, got %v", res)
	}
}

func TestRotateMissingSessionReturnsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	res, err := reg.RotateRefreshToken(context.Background(), "gone", "h1", "h2", time.Hour)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res != RotateNotFound {
		t.Fatalf("expected RotateNotFound, got %v", res)
	}
}

func TestConcurrentRotationHasExactlyOneWinner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, 1, SessionMetadata{}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := reg.BindRefreshToken(ctx, s.ID, "shared-hash"); err != nil {
		t.Fatalf("bind token: %v", err)
	}

	const attempts = 16
	results := make(chan RotateResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := reg.RotateRefreshToken(ctx, s.ID, "shared-hash", "new-hash", time.Hour)
			if err != nil {
				t.Errorf("rotate: %v", err)
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, denied int
	for res := range results {
		switch res {
		case RotateOK:
			ok++
		case RotateReuseDetected, RotateRevoked:
			denied++
		default:
			t.Fatalf("unexpected rotation result %v", res)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winning rotation, got %d", ok)
	}
	if denied != attempts-1 {
		t.Fatalf("expected %d denied rotations, got %d", attempts-1, denied)
	}
}

func TestRevokeFamilyRevokesItsSession(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.CreateSession(ctx, 1, SessionMetadata{}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := reg.RevokeFamily(ctx, s.FamilyID, "client_revocation"); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	active, err := reg.IsSessionActive(ctx, s.ID)
	if err != nil {
		t.Fatalf("is active: %v", err)
	}
	if active {
		t.Fatal("expected family revocation to revoke the session")
	}
	if err := reg.RevokeFamily(ctx, "unknown-family", "x"); err != nil {
		t.Fatalf("revoking an unknown family should be a no-op: %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := reg.CreateSession(ctx, 9, SessionMetadata{}, time.Hour)
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		ids = append(ids, s.ID)
	}
	n, err := reg.RevokeAllForUser(ctx, 9, "password_changed")
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revocations, got %d", n)
	}
	for _, id := range ids {
		active, err := reg.IsSessionActive(ctx, id)
		if err != nil {
			t.Fatalf("is active: %v", err)
		}
		if active {
			t.Fatalf("expected session %s to be revoked", id)
		}
	}
}

func TestListSessionsForUserSkipsExpired(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	keep, err := reg.CreateSession(ctx, 4, SessionMetadata{}, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	drop, err := reg.CreateSession(ctx, 4, SessionMetadata{}, time.Minute)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	sessions, err := reg.ListSessionsForUser(ctx, 4)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != keep.ID {
		t.Fatalf("expected only the live session, got %+v", sessions)
	}
	if _, err := reg.GetSession(ctx, drop.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	data := &domain.AuthorizationCode{
		ClientID:    "client-1",
		UserID:      5,
		RedirectURI: "https://app.example.com/callback",
		Scope:       []string{"openid", "email"},
		IssuedAt:    time.Now().UTC(),
	}
	if err := reg.PutAuthorizationCode(ctx, "code-abc", data, 10*time.Minute); err != nil {
		t.Fatalf("put code: %v", err)
	}

	got, err := reg.ConsumeAuthorizationCode(ctx, "code-abc")
	if err != nil {
		t.Fatalf("consume code: %v", err)
	}
	if got.ClientID != "client-1" || got.UserID != 5 || len(got.Scope) != 2 {
		t.Fatalf("unexpected code payload: %+v", got)
	}

	if _, err := reg.ConsumeAuthorizationCode(ctx, "code-abc"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}

func TestAuthorizationCodeExpires(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.PutAuthorizationCode(ctx, "code-ttl", &domain.AuthorizationCode{ClientID: "c"}, time.Minute); err != nil {
		t.Fatalf("put code: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := reg.ConsumeAuthorizationCode(ctx, "code-ttl"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected expired code to be gone, got %v", err)
	}
}

func TestMFAChallengeAttemptCapInvalidates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateMFAChallenge(ctx, &domain.MFAChallenge{
		UserID:   3,
		Methods:  []domain.MFAMethod{domain.MFAMethodTOTP},
		IssuedAt: time.Now().UTC(),
	}, 5*time.Minute)
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	for i := 0; i < 4; i++ {
		invalidated, err := reg.FailMFAAttempt(ctx, id, 5)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", i+1, err)
		}
		if invalidated {
			t.Fatalf("expected challenge to survive attempt %d", i+1)
		}
	}
	invalidated, err := reg.FailMFAAttempt(ctx, id, 5)
	if err != nil {
		t.Fatalf("fifth attempt: %v", err)
	}
	if !invalidated {
		t.Fatal("expected fifth failure to invalidate the challenge")
	}
	if _, err := reg.GetMFAChallenge(ctx, id); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected invalidated challenge to be gone, got %v", err)
	}
}

func TestFailMFAAttemptOnMissingChallenge(t *testing.T) {
	reg, _ := newTestRegistry(t)
	invalidated, err := reg.FailMFAAttempt(context.Background(), "ghost", 5)
	if !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
	if !invalidated {
		t.Fatal("a missing challenge counts as invalidated")
	}
}

func TestCompleteMFAChallengeRemovesIt(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateMFAChallenge(ctx, &domain.MFAChallenge{UserID: 3}, 5*time.Minute)
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	if err := reg.CompleteMFAChallenge(ctx, id); err != nil {
		t.Fatalf("complete challenge: %v", err)
	}
	if _, err := reg.GetMFAChallenge(ctx, id); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected completed challenge to be gone, got %v", err)
	}
}

func TestVerificationTokenIsSingleUse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.PutVerificationToken(ctx, "verify-tok", 11, time.Hour); err != nil {
		t.Fatalf("put token: %v", err)
	}
	uid, err := reg.ConsumeVerificationToken(ctx, "verify-tok")
	if err != nil {
		t.Fatalf("consume token: %v", err)
	}
	if uid != 11 {
		t.Fatalf("expected user 11, got %d", uid)
	}
	if _, err := reg.ConsumeVerificationToken(ctx, "verify-tok"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}

func TestHitCountsWithinFixedWindow(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, retryAfter, err := reg.Hit(ctx, "ip:10.0.0.1", time.Minute)
		if err != nil {
			t.Fatalf("hit: %v", err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
		if retryAfter <= 0 || retryAfter > time.Minute {
			t.Fatalf("unexpected retry-after %v", retryAfter)
		}
	}

	mr.FastForward(2 * time.Minute)
	count, _, err := reg.Hit(ctx, "ip:10.0.0.1", time.Minute)
	if err != nil {
		t.Fatalf("hit after window: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected counter reset after window, got %d", count)
	}
}
