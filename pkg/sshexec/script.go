package sshexec

import (
	"encoding/base64"
	"strings"
)

// Quote wraps s in single quotes for a remote POSIX shell, escaping any
// embedded single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// WriteFileCommand builds the injection-safe remote write: content rides
// base64 so no byte of it is interpreted by the shell.
func WriteFileCommand(data []byte, path string) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	return "echo '" + encoded + "' | base64 -d > " + Quote(path)
}
