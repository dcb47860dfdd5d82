package display

import "strings"

// Split breaks s into chunks of at most max characters (runes are not cut in
// half). Preferred break points in order: paragraph boundary ("\n\n"), line
// boundary ("\n"), hard cut. Empty chunks are dropped.
func Split(s string, max int) []string {
	if max <= 0 || len(s) <= max {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return []string{s}
	}

	var out []string
	rest := s
	for len(rest) > max {
		window := rest[:boundary(rest, max)]
		cut := len(window)
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i
		} else if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = i
		}
		chunk := strings.TrimRight(rest[:cut], "\n")
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
		rest = strings.TrimLeft(rest[cut:], "\n")
	}
	if strings.TrimSpace(rest) != "" {
		out = append(out, rest)
	}
	return out
}

// boundary returns the largest byte offset <= max that does not split a
// UTF-8 sequence.
func boundary(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	i := max
	for i > 0 && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}
