// Package validation holds the small set of format checks shared across
// config loading, tool registration, and debugger request handling.
package validation

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	// serverNameRegex matches a ServerSpec.Name, the prefix a tool's
	// namespaced name (serverName__toolName) is built from: letters,
	// digits, "_" and "-" only.
	serverNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateUUID checks if the string is a valid UUID.
func ValidateUUID(id string) error {
	if id == "" {
		return fmt.Errorf("ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid UUID format: %s", id)
	}
	return nil
}

// ValidateSessionID validates a debug session ID (spec §4.6 mints these as
// UUIDs via github.com/google/uuid).
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	return ValidateUUID(id)
}

// ValidateServerName validates a ServerSpec.Name (spec §3): must be
// non-empty and safe to use as the prefix of a namespaced tool name.
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("server name %q cannot contain '.': it prefixes namespaced tool names", name)
	}
	if !serverNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name: %s", name)
	}
	return nil
}

// ValidateGlobPattern checks one exposeTools/hideTools/alwaysVisibleTools
// entry (spec §4.9) compiles as a shell glob. path.Match only reports
// syntax errors (ErrBadPattern) against an actual match attempt, so probe
// it against an empty string.
func ValidateGlobPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("tool pattern cannot be empty")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
	}
	return nil
}

// ValidateGlobPatterns validates every pattern in a list, returning the
// first error encountered.
func ValidateGlobPatterns(patterns []string) error {
	for _, p := range patterns {
		if err := ValidateGlobPattern(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBreakpointLocation enforces the spec §3 BreakpointSpec invariant:
// a breakpoint locates by URL (pending, installed before script parse) XOR
// by scriptId (precise, installed after source map resolution) — never
// both, never neither.
func ValidateBreakpointLocation(url, scriptID string) error {
	if url == "" && scriptID == "" {
		return fmt.Errorf("breakpoint location requires exactly one of url or scriptId, got neither")
	}
	if url != "" && scriptID != "" {
		return fmt.Errorf("breakpoint location requires exactly one of url or scriptId, got both")
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path
// components, used for DebugSessionConfig.Cwd and source map file:// roots.
func SanitizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(p, "..") {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", p)
	}

	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return p, nil
}

// ValidateContainerID validates a container ID (hex string), used by the
// docker/applecontainer Runtime backends.
func ValidateContainerID(id string) error {
	if id == "" {
		return fmt.Errorf("container ID cannot be empty")
	}
	if len(id) < 12 || len(id) > 64 {
		return fmt.Errorf("invalid container ID length: %s", id)
	}
	for _, c := range id {
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		isUpperHex := c >= 'A' && c <= 'F'
		if !isDigit && !isLowerHex && !isUpperHex {
			return fmt.Errorf("invalid container ID format: %s", id)
		}
	}
	return nil
}
