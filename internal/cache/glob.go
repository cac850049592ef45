package cache

// MatchGlob implements the Redis-style glob grammar (`*`, `?`, `[...]`,
// `[^...]`, with `\` escaping the next character literally) shared by
// KEYS, SCAN and pub/sub pattern matching (spec §4.6).
func MatchGlob(pattern, s string) bool {
	return matchGlob([]rune(pattern), []rune(s))
}

func matchGlob(pattern, s []rune) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}

			if len(pattern) == 1 {
				return true
			}

			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern[1:], s[i:]) {
					return true
				}
			}

			return false

		case '?':
			if len(s) == 0 {
				return false
			}

			s = s[1:]
			pattern = pattern[1:]

		case '[':
			if len(s) == 0 {
				return false
			}

			end := findClassEnd(pattern)
			if end < 0 {
				// unterminated class: treat '[' as a literal
				if s[0] != '[' {
					return false
				}

				s = s[1:]
				pattern = pattern[1:]

				continue
			}

			if !matchClass(pattern[1:end], s[0]) {
				return false
			}

			s = s[1:]
			pattern = pattern[end+1:]

		case '\\':
			if len(pattern) < 2 {
				if len(s) == 0 || s[0] != '\\' {
					return false
				}

				s, pattern = s[1:], pattern[1:]
				continue
			}

			if len(s) == 0 || s[0] != pattern[1] {
				return false
			}

			s, pattern = s[1:], pattern[2:]

		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}

			s, pattern = s[1:], pattern[1:]
		}
	}

	return len(s) == 0
}

func findClassEnd(pattern []rune) int {
	for i := 1; i < len(pattern); i++ {
		if pattern[i] == ']' && i > 1 {
			return i
		}
	}

	return -1
}

func matchClass(class []rune, c rune) bool {
	negate := false

	if len(class) > 0 && class[0] == '^' {
		negate = true
		class = class[1:]
	}

	matched := false

	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				matched = true
			}

			i += 2

			continue
		}

		if class[i] == c {
			matched = true
		}
	}

	return matched != negate
}
