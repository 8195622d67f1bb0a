package model

import "testing"

func TestValidateEmail(t *testing.T) {
	valid := []string{"u@x.io", "first.last@example.com"}
	for _, e := range valid {
		if err := ValidateEmail(e); err != nil {
			t.Errorf("ValidateEmail(%q): unexpected error %v", e, err)
		}
	}
	invalid := []string{"", "no-at-sign", "a b@x.io", "Display Name <u@x.io>"}
	for _, e := range invalid {
		if err := ValidateEmail(e); err == nil {
			t.Errorf("ValidateEmail(%q): expected error", e)
		}
	}
}

func TestValidateOriginURL(t *testing.T) {
	valid := []string{"https://app.x.io", "http://localhost:3000", "*"}
	for _, o := range valid {
		if err := ValidateOriginURL(o); err != nil {
			t.Errorf("ValidateOriginURL(%q): unexpected error %v", o, err)
		}
	}
	invalid := []string{"", "ftp://x.io", "https://x.io/path", "https://x.io?q=1", "x.io"}
	for _, o := range invalid {
		if err := ValidateOriginURL(o); err == nil {
			t.Errorf("ValidateOriginURL(%q): expected error", o)
		}
	}
}

func TestValidateFilename(t *testing.T) {
	if err := ValidateFilename("a.txt"); err != nil {
		t.Errorf("valid filename rejected: %v", err)
	}
	for _, bad := range []string{"", "../etc/passwd", "dir/file", "a\\b"} {
		if err := ValidateFilename(bad); err == nil {
			t.Errorf("ValidateFilename(%q): expected error", bad)
		}
	}
}
