package osc

// Match reports whether address matches an OSC address pattern. Patterns
// support '?', '*', character classes "[a-z]" and "[!abc]", alternatives
// "{left,right}" and backslash escapes. '*' also crosses '/'.
func Match(pattern, address string) bool {
	if pattern == "" {
		return address == ""
	}
	if address == "" {
		return pattern[0] == '*' && Match(pattern[1:], address)
	}

	switch pattern[0] {
	case '?':
		return Match(pattern[1:], address[1:])
	case '*':
		return Match(pattern[1:], address) || Match(pattern, address[1:])
	case ']', '}':
		return false
	case '[':
		return matchClass(pattern, address)
	case '{':
		return matchList(pattern, address)
	case '\\':
		if len(pattern) == 1 {
			return false
		}
		return pattern[1] == address[0] && Match(pattern[2:], address[1:])
	default:
		return pattern[0] == address[0] && Match(pattern[1:], address[1:])
	}
}

// matchClass handles a pattern starting with '['.
func matchClass(pattern, address string) bool {
	end := -1
	for i := 1; i < len(pattern); i++ {
		if pattern[i] == ']' && i > 1 {
			end = i
			break
		}
	}
	if end < 0 {
		return false
	}

	class := pattern[1:end]
	negated := false
	if class[0] == '!' {
		negated = true
		class = class[1:]
	}

	c := address[0]
	found := false
	for i := 0; i < len(class) && !found; i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			found = class[i] <= c && c <= class[i+2]
			i += 2
			continue
		}
		found = class[i] == c
	}
	if found == negated {
		return false
	}
	return Match(pattern[end+1:], address[1:])
}

// matchList handles a pattern starting with '{'.
func matchList(pattern, address string) bool {
	end := -1
	for i := 1; i < len(pattern); i++ {
		if pattern[i] == '}' {
			end = i
			break
		}
	}
	if end < 0 {
		return false
	}
	rest := pattern[end+1:]

	start := 1
	for i := 1; i <= end; i++ {
		if pattern[i] != ',' && pattern[i] != '}' {
			continue
		}
		alt := pattern[start:i]
		if len(alt) <= len(address) && address[:len(alt)] == alt && Match(rest, address[len(alt):]) {
			return true
		}
		start = i + 1
	}
	return false
}
