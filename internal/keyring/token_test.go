package keyring_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainlog-io/chainlog/internal/keyring"
)

func newTestIssuer(t *testing.T) *keyring.TokenIssuer {
	t.Helper()
	m := keyring.NewManager(filepath.Join(t.TempDir(), "keys"))
	kp, err := m.Generate("service")
	if err != nil {
		t.Fatal(err)
	}
	ti, err := keyring.NewTokenIssuer(kp, "https://chainlog.local", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestTokenIssuer_roundTrip(t *testing.T) {
	ti := newTestIssuer(t)

	token, err := ti.Issue("ops@example.com", keyring.RoleOperator)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Errorf("Subject: got %q", claims.Subject)
	}
	if claims.Role != keyring.RoleOperator {
		t.Errorf("Role: got %q", claims.Role)
	}
	if claims.ID == "" {
		t.Errorf("missing jti")
	}
}

func TestTokenIssuer_rejectsExpired(t *testing.T) {
	m := keyring.NewManager(filepath.Join(t.TempDir(), "keys"))
	kp, err := m.Generate("service")
	if err != nil {
		t.Fatal(err)
	}
	ti, err := keyring.NewTokenIssuer(kp, "https://chainlog.local", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}

	token, err := ti.Issue("ops", keyring.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestTokenIssuer_rejectsTamperedSignature(t *testing.T) {
	ti := newTestIssuer(t)
	token, err := ti.Issue("ops", keyring.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	mid := len(sig) / 2
	if sig[mid] == 'a' {
		sig[mid] = 'b'
	} else {
		sig[mid] = 'a'
	}

	if _, err := ti.Verify(parts[0] + "." + parts[1] + "." + string(sig)); err == nil {
		t.Error("expected error for tampered token, got nil")
	}
}

func TestTokenIssuer_rejectsForeignKey(t *testing.T) {
	a := newTestIssuer(t)
	b := newTestIssuer(t)

	token, err := a.Issue("ops", keyring.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Error("expected error for token signed by another key, got nil")
	}
}

func TestRequireToken_middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestIssuer(t)

	r := gin.New()
	r.GET("/protected", keyring.RequireToken(ti), func(c *gin.Context) {
		claims := keyring.ClaimsFromCtx(c)
		c.JSON(http.StatusOK, gin.H{"subject": claims.Subject})
	})

	// No header.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no header: got %d, want 401", w.Code)
	}

	// Garbage token.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: got %d, want 401", w.Code)
	}

	// Valid token.
	token, err := ti.Issue("ops@example.com", keyring.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token: got %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "ops@example.com") {
		t.Errorf("claims not injected: %s", w.Body.String())
	}
}

func TestRequireAdmin_rejectsOperatorRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestIssuer(t)

	r := gin.New()
	r.POST("/admin", keyring.RequireAdmin(ti), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	operator, err := ti.Issue("ops", keyring.RoleOperator)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+operator)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("operator on admin route: got %d, want 403", w.Code)
	}

	admin, err := ti.Issue("root", keyring.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("admin on admin route: got %d, want 204", w.Code)
	}
}
