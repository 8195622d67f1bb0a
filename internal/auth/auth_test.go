package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/selfdb-io/selfdb/internal/model"
)

func testUser(super bool) model.User {
	return model.User{
		ID:          uuid.New(),
		Email:       "u@x.io",
		IsActive:    true,
		IsSuperuser: super,
	}
}

func TestIssueAndValidate(t *testing.T) {
	mgr, err := NewTicketManager("test-secret", 30*time.Minute)
	if err != nil {
		t.Fatalf("NewTicketManager: %v", err)
	}

	user := testUser(true)
	token, exp, err := mgr.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Error("expiry not in the future")
	}

	claims, err := mgr.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != user.ID.String() {
		t.Errorf("subject = %q, want %q", claims.Subject, user.ID)
	}
	if !claims.IsSuperuser {
		t.Error("is_superuser not carried")
	}
}

func TestValidateExpired(t *testing.T) {
	mgr, _ := NewTicketManager("test-secret", -time.Minute)
	token, _, err := mgr.Issue(testUser(false))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := mgr.Validate(token); err == nil {
		t.Fatal("expired ticket validated")
	}
}

func TestValidateWrongSecret(t *testing.T) {
	mgr1, _ := NewTicketManager("secret-one", time.Minute)
	mgr2, _ := NewTicketManager("secret-two", time.Minute)

	token, _, err := mgr1.Issue(testUser(false))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := mgr2.Validate(token); err == nil {
		t.Fatal("ticket validated under a different secret")
	}
}

func TestValidateGarbage(t *testing.T) {
	mgr, _ := NewTicketManager("test-secret", time.Minute)
	for _, bad := range []string{"", "not.a.jwt", "a.b"} {
		if _, err := mgr.Validate(bad); err == nil {
			t.Errorf("Validate(%q): expected error", bad)
		}
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Pw123!aa")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	ok, err := VerifyPassword("Pw123!aa", hash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword: ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPassword("wrong", hash)
	if err != nil {
		t.Fatalf("VerifyPassword(wrong): %v", err)
	}
	if ok {
		t.Fatal("wrong password verified")
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	h1, _ := HashPassword("same")
	h2, _ := HashPassword("same")
	if h1 == h2 {
		t.Fatal("two hashes of the same password are identical (salt missing)")
	}
}

func TestVerifyPasswordBadEncoding(t *testing.T) {
	if _, err := VerifyPassword("pw", "no-dollar-sign"); err == nil {
		t.Fatal("malformed hash accepted")
	}
}

func TestNewRefreshToken(t *testing.T) {
	raw, digest, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	if len(raw) < 80 { // 64 bytes base64url ≈ 86 chars
		t.Errorf("raw token suspiciously short: %d", len(raw))
	}
	if strings.ContainsAny(raw, "+/=") {
		t.Errorf("raw token not URL-safe: %q", raw)
	}
	if HashRefreshToken(raw) != digest {
		t.Error("digest does not match HashRefreshToken(raw)")
	}

	raw2, _, _ := NewRefreshToken()
	if raw == raw2 {
		t.Fatal("two refresh tokens are identical")
	}
}
