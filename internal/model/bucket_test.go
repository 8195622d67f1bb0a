package model

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Docs", "docs"},
		{"spaces", "My Project Files", "my-project-files"},
		{"punctuation run", "a__b!!c", "a-b-c"},
		{"leading junk", "  --Photos", "photos"},
		{"trailing junk", "Photos--  ", "photos"},
		{"digits kept", "backup 2024", "backup-2024"},
		{"unicode stripped", "café", "caf"},
		{"all junk", "!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlugifyDeterministic(t *testing.T) {
	if Slugify("Team Docs") != Slugify("Team Docs") {
		t.Fatal("same display name must produce the same slug")
	}
}

func TestSlugifyDNSLabelSafe(t *testing.T) {
	long := strings.Repeat("abc ", 40)
	s := Slugify(long)
	if len(s) > MaxBucketNameLen {
		t.Fatalf("slug length %d exceeds DNS label limit %d", len(s), MaxBucketNameLen)
	}
	if strings.HasSuffix(s, "-") || strings.HasPrefix(s, "-") {
		t.Fatalf("slug %q has a leading or trailing hyphen", s)
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			t.Fatalf("slug %q contains invalid rune %q", s, r)
		}
	}
}

func TestValidateBucketName(t *testing.T) {
	if err := ValidateBucketName("Docs"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	if err := ValidateBucketName(""); err == nil {
		t.Error("empty name accepted")
	}
	if err := ValidateBucketName("!!!"); err == nil {
		t.Error("name with no alphanumerics accepted")
	}
	if err := ValidateBucketName(strings.Repeat("a", MaxBucketNameLen+1)); err == nil {
		t.Error("overlong name accepted")
	}
}
