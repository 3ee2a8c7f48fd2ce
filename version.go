package frpbox

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
)

// Version strings reported when no version could be read.
const (
	VersionUnknown = "Unknown"
	VersionError   = "Error"
)

var versionRe = regexp.MustCompile(`\d+\.\d+\.\d+`)

// versionFallbackRunes is the length of raw output reported when it holds no
// version number.
const versionFallbackRunes = 20

// Version runs "<binary> -v" for kind and returns the version it prints.
// A binary that cannot be run yields VersionError; a run without output
// yields VersionUnknown.
func (s *Supervisor) Version(ctx context.Context, kind TaskKind) string {
	bin, err := resolveBinary(s.config.binary(kind))
	if err != nil {
		s.log.Warn("version probe failed", "kind", string(kind), "error", err)
		return VersionError
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Supervisor.VersionTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "-v")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil && !isExitError(err) {
		s.log.Warn("version probe failed", "kind", string(kind), "error", err)
		return VersionError
	}
	return parseVersion(stdout.String(), stderr.String())
}

// parseVersion picks the first x.y.z number from the output of the probe.
// Stderr is only consulted when stdout is empty. Output without a number is
// reported as its first characters.
func parseVersion(stdout, stderr string) string {
	out := strings.TrimSpace(stdout)
	if out == "" {
		out = strings.TrimSpace(stderr)
	}
	if out == "" {
		return VersionUnknown
	}
	if v := versionRe.FindString(out); v != "" {
		return v
	}
	r := []rune(out)
	if len(r) > versionFallbackRunes {
		r = r[:versionFallbackRunes]
	}
	return string(r)
}
