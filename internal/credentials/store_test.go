package credentials

import (
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := NewStore("process-secret")
	if err != nil {
		t.Fatal(err)
	}
	expiry := time.Now().Add(time.Hour)
	if err := s.StoreOAuthToken("user-1", "github", "access-tok", "refresh-tok", expiry, []string{"repo"}, "acct-1", "dev@example.com"); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetCredentials("user-1", "github")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "access-tok" || rec.RefreshToken != "refresh-tok" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ProviderAccountEmail != "dev@example.com" {
		t.Fatalf("unexpected account email: %q", rec.ProviderAccountEmail)
	}
	if rec.HasExpired() {
		t.Fatal("expected record not yet expired")
	}

	tok, err := s.GetAccessToken("user-1", "github")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "access-tok" {
		t.Fatalf("got %q", tok)
	}

	if !s.HasCredentials("user-1", "github") {
		t.Fatal("expected HasCredentials true")
	}
}

func TestStoreNotFound(t *testing.T) {
	s, err := NewStore("process-secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredentials("nobody", "github"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if s.HasCredentials("nobody", "github") {
		t.Fatal("expected HasCredentials false")
	}
}

func TestStoreDelete(t *testing.T) {
	s, err := NewStore("process-secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreOAuthToken("user-1", "github", "access-tok", "", time.Time{}, nil, "", ""); err != nil {
		t.Fatal(err)
	}
	s.DeleteCredentials("user-1", "github")
	if s.HasCredentials("user-1", "github") {
		t.Fatal("expected credential removed")
	}
	// deleting again must not panic or error
	s.DeleteCredentials("user-1", "github")
}

func TestStoreDifferentKeysCannotDecryptEachOther(t *testing.T) {
	s1, err := NewStore("secret-a")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewStore("secret-b")
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.StoreOAuthToken("user-1", "github", "tok", "", time.Time{}, nil, "", ""); err != nil {
		t.Fatal(err)
	}
	sealed := s1.records[recordKey("user-1", "github")]
	if _, err := s2.open(sealed); err == nil {
		t.Fatal("expected decryption failure across differently-keyed stores")
	}
}

func TestNewStoreRequiresSecret(t *testing.T) {
	if _, err := NewStore(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestDeriveKeyBase64Deterministic(t *testing.T) {
	a := deriveKeyBase64("x")
	b := deriveKeyBase64("x")
	if a != b {
		t.Fatal("expected deterministic derivation")
	}
	if deriveKeyBase64("x") == deriveKeyBase64("y") {
		t.Fatal("expected different secrets to derive different keys")
	}
}
