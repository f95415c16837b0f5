package authtoken

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("test-signing-key", time.Minute)

	token, err := iss.Issue("0xsolver1", AudienceSolver)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	subject, err := iss.Verify(token, AudienceSolver)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if subject != "0xsolver1" {
		t.Fatalf("subject = %q, want 0xsolver1", subject)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	iss := NewIssuer("test-signing-key", time.Minute)

	token, err := iss.Issue("0xsolver1", AudienceSolver)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := iss.Verify(token, AudienceWebSocket); err == nil {
		t.Fatal("expected audience mismatch error")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	iss := NewIssuer("test-signing-key", time.Millisecond)

	token, err := iss.Issue("0xsolver1", AudienceSolver)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := iss.Verify(token, AudienceSolver); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	iss := NewIssuer("key-a", time.Minute)
	other := NewIssuer("key-b", time.Minute)

	token, err := iss.Issue("0xsolver1", AudienceSolver)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := other.Verify(token, AudienceSolver); err == nil {
		t.Fatal("expected signature mismatch to fail verification")
	}
}
