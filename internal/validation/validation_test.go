package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidOrderCode(t *testing.T) {
	valid := []string{"ORD-1", "ord_5f3a9c", "A1B2C3", "order-2024-000123"}
	for _, code := range valid {
		if !IsValidOrderCode(code) {
			t.Errorf("expected %q to be valid", code)
		}
	}

	invalid := []string{"", "ab", "-leading", "has space", "semi;colon", strings.Repeat("x", 100)}
	for _, code := range invalid {
		if IsValidOrderCode(code) {
			t.Errorf("expected %q to be invalid", code)
		}
	}
}

func TestIsValidBase58Reference(t *testing.T) {
	// A well-formed 32-byte key encodes to 43-44 base58 chars.
	if !IsValidBase58Reference("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin") {
		t.Error("expected canonical base58 key to be valid")
	}
	for _, ref := range []string{"", "short", "contains0andO", "l1I0l1I0l1I0l1I0l1I0l1I0l1I0l1I0l1I0"} {
		if IsValidBase58Reference(ref) {
			t.Errorf("expected %q to be invalid", ref)
		}
	}
}

func TestIsValidHex(t *testing.T) {
	if !IsValidHex("deadbeef") || !IsValidHex("0xABC123") {
		t.Error("expected hex strings to be valid")
	}
	if IsValidHex("xyz") || IsValidHex("") {
		t.Error("expected non-hex to be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("expected helloworld, got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation to abc, got %q", got)
	}
}

func TestValidate_Collects(t *testing.T) {
	errs := Validate(
		Required("orderCode", ""),
		MaxLength("note", strings.Repeat("a", 11), 10),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs[0].Field != "orderCode" {
		t.Errorf("expected orderCode first, got %s", errs[0].Field)
	}
}

func TestOrderCodeParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:code", OrderCodeParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/ORD-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("valid code: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/orders/bad%3Bcode", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid code: expected 400, got %d", w.Code)
	}
}
