package modreg

import "testing"

func TestLooksLikeReference(t *testing.T) {
	cases := map[string]bool{
		"Gendat":                         false,
		"ReadCovise":                     false,
		"registry.example.com/vistle/gendat:latest": true,
		"ghcr.io/vistle/compute":         true,
		"myorg/vistle-modules":          true,
	}
	for input, want := range cases {
		if got := LooksLikeReference(input); got != want {
			t.Errorf("LooksLikeReference(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSanitizeDigest(t *testing.T) {
	got := sanitizeDigest("sha256:deadbeef/extra")
	if got != "sha256_deadbeef_extra" {
		t.Fatalf("sanitizeDigest = %q", got)
	}
}
