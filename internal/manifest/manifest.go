// Package manifest parses the TESSLATE.md declarative environment manifest:
// an optional **Port** label and a **Start Command** fenced bash block
// living at a project's root (spec §6).
package manifest

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPort is used when a manifest declares no port.
const DefaultPort = 5173

// Spec is the result of parsing a TESSLATE.md file.
type Spec struct {
	Port         int
	StartCommand string
	HasPort      bool
	HasCommand   bool
}

var portRe = regexp.MustCompile(`(?m)\*\*Port\*\*:\s*(\d+)`)

var startLabelRe = regexp.MustCompile(`\*\*Start Command\*\*:`)

// Parse extracts a Spec from the raw contents of a TESSLATE.md file.
func Parse(content string) Spec {
	var s Spec
	if m := portRe.FindStringSubmatch(content); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil {
			s.Port = port
			s.HasPort = true
		}
	}
	if lines, ok := extractFencedBashAfterLabel(content); ok {
		cmd := buildStartCommand(lines)
		if cmd != "" {
			s.StartCommand = cmd
			s.HasCommand = true
		}
	}
	return s
}

// extractFencedBashAfterLabel finds the "**Start Command**:" label and
// returns the non-empty, non-comment lines of the fenced ```bash block that
// immediately follows it.
func extractFencedBashAfterLabel(content string) ([]string, bool) {
	loc := startLabelRe.FindStringIndex(content)
	if loc == nil {
		return nil, false
	}
	rest := content[loc[1]:]
	scanner := bufio.NewScanner(strings.NewReader(rest))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	inFence := false
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inFence {
			if strings.HasPrefix(trimmed, "```") {
				inFence = true
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") {
			break
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if !inFence {
		return nil, false
	}
	return lines, true
}

var cdRe = regexp.MustCompile(`\bcd\s+([^\s&]+)`)

// buildStartCommand applies the rewrite rule from spec §6: if any line ends
// with '&', every "cd <rel>" is rewritten to "cd /app/<rel>", every line is
// parenthesized, and if all lines were backgrounded, a trailing "wait" is
// appended.
func buildStartCommand(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	anyBackground := false
	trimmed := make([]string, len(lines))
	backgrounded := make([]bool, len(lines))
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasSuffix(t, "&") {
			anyBackground = true
			backgrounded[i] = true
			t = strings.TrimSpace(strings.TrimSuffix(t, "&"))
		}
		trimmed[i] = t
	}
	if !anyBackground {
		return strings.Join(trimmed, "\n")
	}

	allBackground := true
	parts := make([]string, len(trimmed))
	for i, t := range trimmed {
		rewritten := rewriteCdToAbsolute(t)
		part := "(" + rewritten + ")"
		if backgrounded[i] {
			part += " &"
		} else {
			allBackground = false
		}
		parts[i] = part
	}
	out := strings.Join(parts, " ")
	if allBackground {
		out += " wait"
	}
	return out
}

// rewriteCdToAbsolute rewrites "cd <rel>" to "cd /app/<rel>" for any relative
// target; absolute paths (leading '/') are left untouched.
func rewriteCdToAbsolute(line string) string {
	return cdRe.ReplaceAllStringFunc(line, func(match string) string {
		sub := cdRe.FindStringSubmatch(match)
		target := sub[1]
		if strings.HasPrefix(target, "/") {
			return match
		}
		return "cd /app/" + target
	})
}
