package policy

import "strings"

// SplitCommands breaks a compound shell command into its sub-commands,
// splitting on &&, ||, ;, |, & and newlines outside quoted runs. Command
// substitutions ($(...) at any nesting depth, and backticks) contribute
// their inner commands too, and wrapper invocations of the form
// `sh -c '<inner>'` are unwrapped recursively.
func SplitCommands(command string) []string {
	var out []string
	seen := make(map[string]bool)
	var collect func(cmd string, depth int)
	collect = func(cmd string, depth int) {
		if depth > 8 {
			return
		}
		for _, part := range splitTopLevel(cmd) {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)

			if inner, ok := unwrapShellC(part); ok {
				collect(inner, depth+1)
			}
			for _, sub := range extractSubstitutions(part) {
				collect(sub, depth+1)
			}
		}
	}
	collect(command, 0)
	return out
}

// splitTopLevel splits on command separators outside single/double quotes
// and outside $(...) groups.
func splitTopLevel(cmd string) []string {
	var parts []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	parenDepth := 0

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			parts = append(parts, s)
		}
		cur.Reset()
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inSingle:
			cur.WriteRune(r)
			if r == '\'' {
				inSingle = false
			}
		case inDouble:
			if r == '\\' && i+1 < len(runes) {
				cur.WriteRune(r)
				i++
				cur.WriteRune(runes[i])
				continue
			}
			cur.WriteRune(r)
			if r == '"' {
				inDouble = false
			}
		case r == '\'':
			inSingle = true
			cur.WriteRune(r)
		case r == '"':
			inDouble = true
			cur.WriteRune(r)
		case r == '$' && i+1 < len(runes) && runes[i+1] == '(':
			parenDepth++
			cur.WriteRune(r)
		case r == ')' && parenDepth > 0:
			parenDepth--
			cur.WriteRune(r)
		case parenDepth > 0:
			cur.WriteRune(r)
		case r == '\n' || r == ';':
			flush()
		case r == '&':
			flush()
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
			}
		case r == '|':
			flush()
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return parts
}

// extractSubstitutions returns the contents of $(...) groups (any nesting)
// and backtick spans found in cmd.
func extractSubstitutions(cmd string) []string {
	var subs []string
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '$' && i+1 < len(runes) && runes[i+1] == '(' {
			depth := 1
			j := i + 2
			for ; j < len(runes) && depth > 0; j++ {
				switch {
				case runes[j] == '$' && j+1 < len(runes) && runes[j+1] == '(':
					depth++
					j++
				case runes[j] == ')':
					depth--
				}
			}
			if depth == 0 {
				subs = append(subs, string(runes[i+2:j-1]))
				i = j - 1
			}
		} else if runes[i] == '`' {
			j := i + 1
			for ; j < len(runes) && runes[j] != '`'; j++ {
			}
			if j < len(runes) {
				subs = append(subs, string(runes[i+1:j]))
				i = j
			}
		}
	}
	return subs
}

// unwrapShellC recognizes `<shell> [flags] -c '<inner>'` and returns the
// inner command with its quotes stripped.
func unwrapShellC(cmd string) (string, bool) {
	fields := splitFields(cmd)
	if len(fields) < 3 {
		return "", false
	}
	switch fields[0] {
	case "sh", "bash", "zsh", "dash", "ksh", "/bin/sh", "/bin/bash", "/usr/bin/bash":
	default:
		return "", false
	}
	for i := 1; i < len(fields)-1; i++ {
		if fields[i] == "-c" {
			return stripQuotes(fields[i+1]), true
		}
	}
	return "", false
}

// splitFields splits a command into whitespace-separated fields, keeping
// quoted runs (with their quotes) and $(...) groups as single fields.
func splitFields(cmd string) []string {
	var fields []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	parenDepth := 0
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case inSingle:
			cur.WriteByte(c)
			if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' && i+1 < len(cmd) {
				cur.WriteByte(c)
				i++
				cur.WriteByte(cmd[i])
				continue
			}
			cur.WriteByte(c)
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
			cur.WriteByte(c)
		case c == '"':
			inDouble = true
			cur.WriteByte(c)
		case c == '$' && i+1 < len(cmd) && cmd[i+1] == '(':
			parenDepth++
			cur.WriteByte(c)
		case c == ')' && parenDepth > 0:
			parenDepth--
			cur.WriteByte(c)
		case parenDepth > 0:
			cur.WriteByte(c)
		case c == ' ' || c == '\t':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
