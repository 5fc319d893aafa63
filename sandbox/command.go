package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/lithammer/dedent"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// KeepAliveCmd keeps the sandbox container running between execs.
var KeepAliveCmd = []string{"tail", "-f", "/dev/null"}

// Dedent removes common leading whitespace so callers may pass indented
// literal blocks. Dedenting already-dedented code is a no-op.
func Dedent(code string) string {
	return dedent.Dedent(code)
}

// SplitCommand splits a configured command line such as "python3 -u" into argv.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// CodeArgv returns the argv that runs code with the interpreter. The code is a
// single argument, so the interpreter receives it byte-for-byte.
func CodeArgv(interpreter []string, code string) []string {
	argv := make([]string, 0, len(interpreter)+2)
	argv = append(argv, interpreter...)
	return append(argv, "-c", code)
}

// BuildEnv converts env into a KEY=VALUE list sorted by name.
func BuildEnv(env map[string]string) ([]string, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		value := env[name]
		if !envNamePattern.MatchString(name) {
			return nil, fmt.Errorf("%w: name %q", ErrInvalidEnv, name)
		}
		if strings.ContainsRune(value, 0) {
			return nil, fmt.Errorf("%w: value of %s contains NUL byte", ErrInvalidEnv, name)
		}
		out = append(out, name+"="+value)
	}
	return out, nil
}

// RenderDockerfile layers an install step for packages onto baseImage. The
// RUN instruction uses exec form so package names never pass through a shell.
func RenderDockerfile(baseImage string, installCmd []string, packages []string) ([]byte, error) {
	if strings.TrimSpace(baseImage) == "" || strings.ContainsAny(baseImage, "\r\n") {
		return nil, fmt.Errorf("invalid base image %q", baseImage)
	}
	if len(installCmd) == 0 {
		return nil, fmt.Errorf("empty install command")
	}

	argv := make([]string, 0, len(installCmd)+len(packages))
	argv = append(argv, installCmd...)
	for _, pkg := range packages {
		if strings.TrimSpace(pkg) == "" || strings.ContainsAny(pkg, "\r\n\x00") {
			return nil, fmt.Errorf("invalid package name %q", pkg)
		}
		argv = append(argv, pkg)
	}

	var run bytes.Buffer
	enc := json.NewEncoder(&run)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(argv); err != nil {
		return nil, fmt.Errorf("failed to encode RUN instruction: %w", err)
	}

	// Encode terminates the JSON array with a newline
	return []byte(fmt.Sprintf("FROM %s\nRUN %s", baseImage, run.String())), nil
}
