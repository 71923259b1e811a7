package storage

import "strings"

// Keyspace derives a coarse metrics bucket from a key's naming
// convention. Keys follow the pattern <kind>_<identifier>... where the
// kind is one or more lowercase tokens and identifiers carry digits or
// upper-case letters (tickers, job IDs, dates), e.g.
// "market_cache_QQQ" -> "market_cache", "job_status_12345" -> "job_status".
// A single-token key classifies as itself.
func Keyspace(key string) string {
	tokens := strings.Split(key, "_")
	if len(tokens) == 1 {
		return key
	}

	var prefix []string
	for _, tok := range tokens {
		if !isLowerWord(tok) {
			break
		}
		prefix = append(prefix, tok)
	}
	if len(prefix) == 0 {
		return tokens[0]
	}
	return strings.Join(prefix, "_")
}

func isLowerWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
