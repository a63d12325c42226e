package runner

import (
	"sort"
	"strings"
)

// mergeEnv composes the analyzer environment. Entries of extra ("K=V")
// override base; ${VAR} references in values are then expanded once against
// the composed set. Unknown references are left untouched. The result is
// sorted by key.
func mergeEnv(base, extra []string) []string {
	m := make(map[string]string, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, kv := range list {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				continue
			}
			m[kv[:i]] = kv[i+1:]
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expandVars(m[k], m))
	}
	return out
}

func expandVars(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
