package core

import "testing"

func TestNormalizeOrigin(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://Example.com/path?q=1", "https://example.com"},
		{"HTTPS://example.com:443", "https://example.com"},
		{"http://example.com:80/", "http://example.com"},
		{"http://example.com:8080", "http://example.com:8080"},
		{" https://sub.example.com ", "https://sub.example.com"},
	}
	for _, tc := range cases {
		got, err := NormalizeOrigin(tc.in)
		if err != nil {
			t.Fatalf("NormalizeOrigin(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeOrigin(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeOriginRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "https://", "not a url"} {
		if _, err := NormalizeOrigin(raw); err == nil {
			t.Fatalf("NormalizeOrigin(%q) should fail", raw)
		}
	}
}

func TestSameOriginRejectsSuffixEscape(t *testing.T) {
	if SameOrigin("https://example.com.evil/end", "https://example.com") {
		t.Fatal("suffix lookalike must not pass origin check")
	}
	if SameOrigin("https://evil-example.com", "https://example.com") {
		t.Fatal("hyphen lookalike must not pass origin check")
	}
	if SameOrigin("http://example.com", "https://example.com") {
		t.Fatal("scheme mismatch must not pass origin check")
	}
	if SameOrigin("https://example.com:8443", "https://example.com") {
		t.Fatal("port mismatch must not pass origin check")
	}
	if !SameOrigin("https://example.com/deep/path", "https://example.com") {
		t.Fatal("same origin with path should pass")
	}
}

func TestHostMatchesDomain(t *testing.T) {
	if !HostMatchesDomain("example.com", "example.com") {
		t.Fatal("exact host should match")
	}
	if !HostMatchesDomain("api.example.com", "example.com") {
		t.Fatal("subdomain should match")
	}
	if HostMatchesDomain("evilexample.com", "example.com") {
		t.Fatal("label-misaligned host must not match")
	}
	if HostMatchesDomain("example.com", "api.example.com") {
		t.Fatal("parent must not match child domain")
	}
}
