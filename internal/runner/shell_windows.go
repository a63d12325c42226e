//go:build windows

package runner

import (
	"context"
	"os/exec"
	"strings"
)

// Delayed expansion substitutes the variables after cmd has parsed the line,
// so characters in a capture name are not interpreted.
var bindPlaceholders = strings.NewReplacer(
	"{path}", "!"+EnvCapturePath+"!",
	"{name}", "!"+EnvCaptureName+"!",
	"{dir}", "!"+EnvCaptureDir+"!",
).Replace

func shellCommand(ctx context.Context, script, _ string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/V:ON", "/C", bindPlaceholders(script))
}
