// Package registry manages versioned function source. Versions are
// content-addressed: identical normalized source collapses onto the existing
// version, so redeploys of unchanged code never grow the version history.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stratabase/strata/internal/domain"
)

const (
	depsOpen  = "# /// script"
	depsClose = "# ///"
)

// NormalizeSource strips the UTF-8 BOM, converts CRLF to LF, and removes
// trailing whitespace from every line. The result is the input to the
// content hash, so formatting-only edits do not produce new versions.
func NormalizeSource(source string) string {
	source = strings.TrimPrefix(source, "\ufeff")
	source = strings.ReplaceAll(source, "\r\n", "\n")
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// ContentHash is the hex SHA-256 of the normalized source.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// ParseInlineDeps extracts the dependency list from the source header block:
//
//	# /// script
//	# dependencies = [ "pkg-a==1.0", "pkg-b" ]
//	# ///
//
// Every line inside the block must carry the comment marker. Unknown keys
// are ignored. No block means no dependencies. A block that opens without
// closing, or a malformed dependencies entry, is a BadSource error.
func ParseInlineDeps(source string) ([]string, error) {
	lines := strings.Split(source, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == depsOpen {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, nil
	}

	var block []string
	closed := false
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == depsClose {
			closed = true
			break
		}
		if !strings.HasPrefix(trimmed, "#") {
			return nil, fmt.Errorf("metadata block line missing comment marker: %w", domain.ErrBadSource)
		}
		block = append(block, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
	}
	if !closed {
		return nil, fmt.Errorf("metadata block not closed: %w", domain.ErrBadSource)
	}

	// Join continuation lines so a list may span several comment lines.
	body := strings.Join(block, "\n")
	idx := strings.Index(body, "dependencies")
	if idx == -1 {
		return nil, nil
	}
	rest := body[idx+len("dependencies"):]
	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "=") {
		return nil, fmt.Errorf("dependencies entry missing '=': %w", domain.ErrBadSource)
	}
	rest = strings.TrimSpace(rest[1:])
	open := strings.Index(rest, "[")
	closeIdx := strings.Index(rest, "]")
	if open != 0 || closeIdx == -1 {
		return nil, fmt.Errorf("dependencies entry is not a list: %w", domain.ErrBadSource)
	}

	var deps []string
	for _, item := range strings.Split(rest[open+1:closeIdx], ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if len(item) < 2 || item[0] != '"' || item[len(item)-1] != '"' {
			return nil, fmt.Errorf("dependency %q is not a quoted string: %w", item, domain.ErrBadSource)
		}
		deps = append(deps, item[1:len(item)-1])
	}
	return deps, nil
}
