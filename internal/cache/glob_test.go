package cache

import "testing"

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"h?llo", "hello", true},
		{"h?llo", "hllo", false},
		{"h[ae]llo", "hello", true},
		{"h[ae]llo", "hillo", false},
		{"h[^ae]llo", "hillo", true},
		{"h[^ae]llo", "hallo", false},
		{"h[a-c]t", "hbt", true},
		{"h[a-c]t", "hdt", false},
		{"user:*:session", "user:42:session", true},
		{"user:*:session", "user:42:profile", false},
		{"a\\*b", "a*b", true},
		{"a\\*b", "axb", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"**", "anything", true},
	}

	for _, c := range cases {
		if got := MatchGlob(c.pattern, c.s); got != c.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}
