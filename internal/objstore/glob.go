package objstore

import (
	"fmt"
	"regexp"
	"strings"
)

// HasGlobs reports whether the path contains glob metacharacters.
func HasGlobs(path string) bool {
	return strings.ContainsAny(path, "*?{")
}

// FixedPrefix returns the longest literal prefix of a glob path, used to
// constrain the bucket listing before the pattern is applied.
func FixedPrefix(path string) string {
	if i := strings.IndexAny(path, "*?{"); i >= 0 {
		path = path[:i]
	}
	if j := strings.LastIndexByte(path, '/'); j >= 0 {
		return path[:j+1]
	}
	return ""
}

// CompileGlob translates a glob pattern into a regexp. Supported
// metacharacters: `*` (any run of characters except `/`), `?` (one character
// except `/`), and `{a,b,c}` alternation.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated { in glob %q", pattern)
			}
			alts := strings.Split(pattern[i+1:i+end], ",")
			for k, alt := range alts {
				alts[k] = regexp.QuoteMeta(alt)
			}
			sb.WriteString("(" + strings.Join(alts, "|") + ")")
			i += end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
