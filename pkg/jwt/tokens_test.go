package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("ops", []string{"p1"}, false, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("expected subject ops, got %q", claims.Subject)
	}
	if !claims.CanAccess("p1") || claims.CanAccess("p2") {
		t.Fatalf("unexpected project scope %v", claims.Projects)
	}
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, _ := GenerateToken("ops", nil, true, "secret", time.Minute)
	if _, err := Parse(token, "other"); err == nil {
		t.Fatalf("expected signature failure")
	}
	expired, _ := GenerateToken("ops", nil, true, "secret", -time.Minute)
	if _, err := Parse(expired, "secret"); err == nil {
		t.Fatalf("expected expiry failure")
	}
}

func TestCanAccessWildcardAndAdmin(t *testing.T) {
	if !(&Claims{Projects: []string{AllProjects}}).CanAccess("anything") {
		t.Fatalf("expected wildcard access")
	}
	if !(&Claims{Admin: true}).CanAccess("anything") {
		t.Fatalf("expected admin access")
	}
	var nilClaims *Claims
	if nilClaims.CanAccess("p1") {
		t.Fatalf("expected nil claims to deny")
	}
}
