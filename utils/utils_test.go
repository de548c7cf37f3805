package utils

import "testing"

func TestRedactAuthorization(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"long bearer token", "Bearer sk-ant-REDACTED", "Bearer sk-...abcd"},
		{"short bearer token", "Bearer abc123", "****** ******"},
		{"bare token", "sk-123", "******"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RedactAuthorization(tc.in); got != tc.want {
				t.Errorf("RedactAuthorization(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactKey(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"long key", "zk-0123456789abcdef", "zk-0...cdef"},
		{"short key", "zk-12", "*****"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RedactKey(tc.in); got != tc.want {
				t.Errorf("RedactKey(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
