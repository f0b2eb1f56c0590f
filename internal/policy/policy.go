// Package policy classifies coding-agent tool invocations and decides
// whether they may proceed. The engine is stateless: every call receives
// the workspace root and the channel's active grants.
package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Gate categorizes a denial.
type Gate string

const (
	GatePush    Gate = "push"    // needs push approval
	GateOutside Gate = "outside" // needs a filesystem grant
	GateOther   Gate = "other"
)

// Decision is the outcome of evaluating one tool invocation.
type Decision struct {
	Allowed bool
	Gate    Gate
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(gate Gate, format string, args ...any) Decision {
	return Decision{Allowed: false, Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// Kind is the tool family of an invocation.
type Kind int

const (
	KindOther Kind = iota
	KindShell
	KindRead
	KindWrite
)

// Invocation is a tool call reduced to the attributes the engine inspects.
type Invocation struct {
	Kind    Kind
	Tool    string
	Command string // shell family
	Dir     string // explicit working directory, if any
	Path    string // read/write family
}

var shellTools = map[string]bool{
	"exec": true, "bash": true, "shell": true, "run_command": true, "run_terminal_cmd": true,
}

var readTools = map[string]bool{
	"read_file": true, "read": true, "list_files": true, "ls": true,
	"glob": true, "search": true, "grep": true, "view": true,
}

var writeTools = map[string]bool{
	"write_file": true, "write": true, "edit_file": true, "edit": true,
	"apply_patch": true, "create_file": true, "multi_edit": true, "notebook_edit": true,
}

// Classify reduces a raw tool call to a tagged invocation. Arguments are
// heterogeneous across agent SDKs; a small fixed set of attribute names is
// probed for the path, command and working directory.
func Classify(toolName string, args map[string]any) Invocation {
	name := strings.ToLower(toolName)
	inv := Invocation{Tool: toolName}
	switch {
	case shellTools[name]:
		inv.Kind = KindShell
		inv.Command = stringArg(args, "command", "cmd", "script")
		inv.Dir = stringArg(args, "working_dir", "workdir", "cwd", "directory")
	case readTools[name]:
		inv.Kind = KindRead
		inv.Path = stringArg(args, "path", "file_path", "filePath", "file")
	case writeTools[name]:
		inv.Kind = KindWrite
		inv.Path = stringArg(args, "path", "file_path", "filePath", "file")
	default:
		inv.Kind = KindOther
	}
	return inv
}

func stringArg(args map[string]any, names ...string) string {
	for _, n := range names {
		if v, ok := args[n].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Evaluate decides whether an invocation may proceed given the workspace
// root and the channel's active grants.
func Evaluate(inv Invocation, workspaceRoot string, grants []Grant) Decision {
	switch inv.Kind {
	case KindShell:
		return evaluateShell(inv, workspaceRoot, grants)
	case KindRead:
		if inv.Path == "" {
			return allow()
		}
		if !pathPermitted(workspaceRoot, grants, inv.Path, ModeRO) {
			return deny(GateOutside, "read of %s is outside the workspace and not granted", inv.Path)
		}
		return allow()
	case KindWrite:
		if inv.Path == "" {
			return allow()
		}
		if !pathPermitted(workspaceRoot, grants, inv.Path, ModeRW) {
			return deny(GateOutside, "write to %s is outside the workspace and not granted rw", inv.Path)
		}
		return allow()
	default:
		return allow()
	}
}

// --- shell family ---

// Push-capable command shapes. Leading flags before the verb are tolerated
// (git -C dir push, git -c key=val push).
var (
	gitPushPattern = regexp.MustCompile(`(?:^|\s)git\s+(?:-\S+(?:\s+\S+)?\s+)*push\b`)
	ghPublishPattern = regexp.MustCompile(`(?:^|\s)gh\s+pr\s+(?:create|merge|push)\b`)

	// Suspicious shapes in the raw command string.
	dangerousWrapperPattern = regexp.MustCompile(`(?:^|\s)(?:eval|source|\.)\s`)
	envPrefixPushPattern    = regexp.MustCompile(`(?:^|\s)\w+=\S*\s+git\s+(?:-\S+\s+)*push\b`)
	aliasDefPattern         = regexp.MustCompile(`git\s+config\s+(?:--\w+\s+)*alias\.\S+`)
	dynamicGitSubPattern    = regexp.MustCompile("git\\s+(?:-\\S+\\s+)*(?:\\$|`)")
)

// pushVerbs are verbs an alias definition may reference to gain push ability.
var pushVerbs = []string{"push", "pr create", "pr merge"}

func evaluateShell(inv Invocation, root string, grants []Grant) Decision {
	if inv.Command == "" {
		return allow()
	}

	subs := SplitCommands(inv.Command)
	// The raw string participates too: obfuscations that survive splitting
	// (alias bodies, quoted wrappers) are still caught.
	checked := append([]string{inv.Command}, subs...)

	for _, cmd := range checked {
		if d := checkPushGate(cmd); !d.Allowed {
			return d
		}
	}

	if inv.Dir != "" {
		if !pathPermitted(root, grants, inv.Dir, ModeRO) {
			return deny(GateOutside, "working directory %s is outside the workspace and not granted", inv.Dir)
		}
	}

	for _, cmd := range subs {
		if d := checkDirectoryChanges(cmd, root, grants); !d.Allowed {
			return d
		}
		if d := checkFileOperations(cmd, root, grants); !d.Allowed {
			return d
		}
	}
	return allow()
}

func checkPushGate(cmd string) Decision {
	if gitPushPattern.MatchString(cmd) {
		return deny(GatePush, "git push requires approval: %s", firstLine(cmd))
	}
	if ghPublishPattern.MatchString(cmd) {
		return deny(GatePush, "gh pull-request publishing requires approval: %s", firstLine(cmd))
	}
	if envPrefixPushPattern.MatchString(cmd) {
		return deny(GatePush, "environment-prefixed git push requires approval: %s", firstLine(cmd))
	}
	if dangerousWrapperPattern.MatchString(cmd) &&
		strings.Contains(cmd, "git") && strings.Contains(cmd, "push") {
		return deny(GatePush, "eval/source wrapper around git push requires approval")
	}
	if aliasDefPattern.MatchString(cmd) {
		for _, verb := range pushVerbs {
			if strings.Contains(cmd, verb) {
				return deny(GatePush, "defining a git alias that references %q requires approval", verb)
			}
		}
	}
	if dynamicGitSubPattern.MatchString(cmd) {
		return deny(GatePush, "git with a dynamic sub-command cannot be verified")
	}
	return allow()
}

func checkDirectoryChanges(cmd string, root string, grants []Grant) Decision {
	fields := splitFields(cmd)
	for i, f := range fields {
		if f != "cd" && f != "pushd" {
			continue
		}
		if i+1 >= len(fields) {
			return deny(GateOutside, "%s without a target changes to the home directory", f)
		}
		target := stripQuotes(fields[i+1])
		switch {
		case target == "-":
			return deny(GateOutside, "cd - targets an unresolvable previous directory")
		case strings.HasPrefix(target, "~"):
			return deny(GateOutside, "cd target %s expands the home directory", target)
		case strings.ContainsAny(target, "$`"):
			return deny(GateOutside, "cd target %s contains shell expansion", target)
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(root, resolved)
		}
		if !pathPermitted(root, grants, resolved, ModeRO) {
			return deny(GateOutside, "cd target %s is outside the workspace and not granted", target)
		}
	}
	return allow()
}

// Classic file-reading verbs that take path arguments.
var fileReadVerbs = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"sort": true, "uniq": true, "wc": true, "file": true, "stat": true,
	"od": true, "xxd": true, "strings": true, "base64": true, "type": true,
	"nl": true, "tac": true,
}

var uploadFlagPattern = regexp.MustCompile(`(?:^|\s)(?:-d|--data\S*)\s+@(\S+)|--upload-file\s+(\S+)`)

func checkFileOperations(cmd string, root string, grants []Grant) Decision {
	fields := splitFields(cmd)
	if len(fields) == 0 {
		return allow()
	}

	// (a) reading verbs with absolute path arguments
	if fileReadVerbs[fields[0]] {
		for _, f := range fields[1:] {
			arg := stripQuotes(f)
			if !filepath.IsAbs(arg) {
				continue
			}
			if !pathPermitted(root, grants, arg, ModeRO) {
				return deny(GateOutside, "%s reads %s outside the workspace without a grant", fields[0], arg)
			}
		}
	}

	// (b) output redirections to absolute paths
	for i, f := range fields {
		if f != ">" && f != ">>" {
			continue
		}
		if i+1 >= len(fields) {
			continue
		}
		target := stripQuotes(fields[i+1])
		if !filepath.IsAbs(target) {
			continue
		}
		if !pathPermitted(root, grants, target, ModeRW) {
			return deny(GateOutside, "redirection to %s requires an rw grant", target)
		}
	}
	// Redirections glued to the target (">/etc/x") survive field splitting.
	for _, f := range fields {
		if len(f) > 1 && (strings.HasPrefix(f, ">") || strings.HasPrefix(f, ">>")) {
			target := strings.TrimLeft(f, ">")
			if filepath.IsAbs(target) && !pathPermitted(root, grants, target, ModeRW) {
				return deny(GateOutside, "redirection to %s requires an rw grant", target)
			}
		}
	}

	// (c) HTTP-client upload shapes
	if fields[0] == "curl" || fields[0] == "wget" {
		for _, m := range uploadFlagPattern.FindAllStringSubmatch(cmd, -1) {
			target := m[1]
			if target == "" {
				target = m[2]
			}
			target = stripQuotes(target)
			if target == "" || !filepath.IsAbs(target) {
				continue
			}
			if !pathPermitted(root, grants, target, ModeRO) {
				return deny(GateOutside, "%s uploads %s outside the workspace without a grant", fields[0], target)
			}
		}
	}
	return allow()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
