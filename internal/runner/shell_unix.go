//go:build !windows

package runner

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
)

// shellCommand runs script under /bin/sh with the capture path, name and
// directory as $1, $2 and $3.
func shellCommand(ctx context.Context, script, absPath string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", bindPlaceholders(script), "sh",
		absPath, filepath.Base(absPath), filepath.Dir(absPath))
}

var placeholderParams = []struct{ token, param string }{
	{"{path}", "1"},
	{"{name}", "2"},
	{"{dir}", "3"},
}

// bindPlaceholders rewrites placeholders into quoted positional parameter
// references, following the quoting state of the script at each spot.
func bindPlaceholders(script string) string {
	var b strings.Builder
	var single, double bool
	for i := 0; i < len(script); {
		ch := script[i]
		switch {
		case ch == '\\' && !single && i+1 < len(script):
			b.WriteString(script[i : i+2])
			i += 2
			continue
		case ch == '\'' && !double:
			single = !single
		case ch == '"' && !single:
			double = !double
		case ch == '{':
			if param, n := matchPlaceholder(script[i:]); n > 0 {
				switch {
				case single:
					b.WriteString(`'"${` + param + `}"'`)
				case double:
					b.WriteString("${" + param + "}")
				default:
					b.WriteString(`"${` + param + `}"`)
				}
				i += n
				continue
			}
		}
		b.WriteByte(ch)
		i++
	}
	return b.String()
}

func matchPlaceholder(s string) (string, int) {
	for _, p := range placeholderParams {
		if strings.HasPrefix(s, p.token) {
			return p.param, len(p.token)
		}
	}
	return "", 0
}
