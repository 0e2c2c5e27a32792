package blobstore

import (
	"strings"
	"testing"
	"time"
)

func TestNamespace(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{"user@example.com", "user_at_example.com"},
		{"  User@Example.COM ", "user_at_example.com"},
		{"first_last@example.com", "first__last_at_example.com"},
		{"a+tag@example.com", "a_x2btag_at_example.com"},
		{"../../etc@example.com", "_x2e._x2f.._x2fetc_at_example.com"},
		{"", "_empty"},
	}
	for _, tt := range tests {
		if got := Namespace(tt.identity); got != tt.want {
			t.Errorf("Namespace(%q) = %q, want %q", tt.identity, got, tt.want)
		}
	}
}

func TestNamespaceInjective(t *testing.T) {
	// Pairs that would collide under a naive '@' -> "_at_" replacement.
	pairs := [][2]string{
		{"a_at_b@example.com", "a@b@example.com"},
		{"x_x40@example.com", "x@@example.com"},
	}
	for _, p := range pairs {
		if Namespace(p[0]) == Namespace(p[1]) {
			t.Errorf("Namespace(%q) == Namespace(%q) = %q", p[0], p[1], Namespace(p[0]))
		}
	}
	for _, id := range []string{".", "..", "a/b", `a\b`} {
		ns := Namespace(id)
		if ns == "." || ns == ".." || strings.ContainsAny(ns, `/\`) {
			t.Errorf("Namespace(%q) = %q is not a safe path segment", id, ns)
		}
	}
}

func TestCleanFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.csv", "report.csv"},
		{"../../secret.csv", "____secret.csv"},
		{`dir\file.xlsx`, "dir_file.xlsx"},
		{"cafe\u0301.csv", "caf\u00e9.csv"}, // NFD -> NFC
		{"  ", "attachment"},
		{"q1..csv", "q1..csv"},
		{"..", "attachment"},
		{".", "attachment"},
		{"...csv", "...csv"},
	}
	for _, tt := range tests {
		if got := CleanFilename(tt.in); got != tt.want {
			t.Errorf("CleanFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestObjectPath(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 5, 7, 0, time.FixedZone("X", 3600))
	got := ObjectPath("user@example.com", "report.csv", at)
	want := "user_at_example.com/20260301_080507_report.csv"
	if got != want {
		t.Errorf("ObjectPath() = %q, want %q", got, want)
	}
}
