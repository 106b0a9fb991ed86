package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildScript renders commands as a POSIX shell script. Every command is
// echoed, and a checkpoint before it exits with ExitCanceled when the file
// named by $CONDUIT_CANCEL_FILE exists. With stopOnError the script aborts
// on the first failing command.
func BuildScript(commands []string, stopOnError bool) []byte {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if stopOnError {
		b.WriteString("set -e\n")
	}
	fmt.Fprintf(&b, `__conduit_checkpoint() {
  if [ -n "${CONDUIT_CANCEL_FILE:-}" ] && [ -e "$CONDUIT_CANCEL_FILE" ]; then
    echo "conduit: canceled before next command" >&2
    exit %d
  fi
}
`, ExitCanceled)
	for _, c := range commands {
		b.WriteString("__conduit_checkpoint\n")
		fmt.Fprintf(&b, "printf '%%s\\n' %s\n", shellQuote("$ "+c))
		b.WriteString(c)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// writeScripts places the main and after scripts in req.MetaDir and returns
// their file names.
func writeScripts(req Request) (main, after string, err error) {
	if err := os.MkdirAll(req.MetaDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create meta directory: %w", err)
	}
	commands := append(append([]string(nil), req.BeforeScript...), req.Script...)
	main = "script.sh"
	if err := os.WriteFile(filepath.Join(req.MetaDir, main), BuildScript(commands, true), 0o755); err != nil {
		return "", "", fmt.Errorf("write script: %w", err)
	}
	if len(req.AfterScript) > 0 {
		after = "after_script.sh"
		if err := os.WriteFile(filepath.Join(req.MetaDir, after), BuildScript(req.AfterScript, false), 0o755); err != nil {
			return "", "", fmt.Errorf("write after_script: %w", err)
		}
	}
	return main, after, nil
}

// RequestCancel drops the cancel marker for a running attempt.
func RequestCancel(metaDir string) error {
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(metaDir, "cancel"), []byte("canceled\n"), 0o644)
}

func cancelRequested(metaDir string) bool {
	_, err := os.Stat(filepath.Join(metaDir, "cancel"))
	return err == nil
}
