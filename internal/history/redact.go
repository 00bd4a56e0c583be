package history

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// keepList holds environment variables that are useful to keep readable in
// history context and carry nothing secret.
var keepList = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "HISTFILE": true, "SHLVL": true,
	"COLUMNS": true, "LINES": true,
}

// keepParam reports whether a parameter reference may stay readable: the
// keep list plus the shell's special and positional parameters.
func keepParam(name string) bool {
	if keepList[name] {
		return true
	}
	if len(name) == 1 {
		c := name[0]
		return (c >= '0' && c <= '9') || strings.IndexByte("?!#@*-$_", c) >= 0
	}
	return false
}

// Redact rewrites a command so variable references and assignment values
// cannot leak secrets: references become $REDACTED, assignment values ***.
// The rewrite walks the parsed AST; lines the parser rejects go through a
// coarse token pass instead.
func Redact(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return coarseRedact(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.ParamExp:
			if n.Param != nil && !keepParam(n.Param.Value) {
				n.Param.Value = "REDACTED"
			}
		case *syntax.Assign:
			if n.Name != nil && !keepList[n.Name.Value] && n.Value != nil {
				n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
			}
		}
		return true
	})

	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.Indent(0)).Print(&buf, prog); err != nil {
		return coarseRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// reToken matches the two shapes the AST pass rewrites: a ${VAR} or $VAR
// reference, or a VAR=value assignment.
var reToken = regexp.MustCompile(`\$\{?[A-Za-z_][A-Za-z0-9_]*\}?|\b[A-Za-z_][A-Za-z0-9_]*=\S+`)

// coarseRedact handles lines the parser rejects (history fragments, aborted
// edits). Single pass, erring toward redaction.
func coarseRedact(cmd string) string {
	return reToken.ReplaceAllStringFunc(cmd, func(m string) string {
		if strings.HasPrefix(m, "$") {
			name := strings.Trim(m[1:], "{}")
			if keepParam(name) {
				return m
			}
			if strings.HasPrefix(m, "${") {
				return "${REDACTED}"
			}
			return "$REDACTED"
		}
		name, _, _ := strings.Cut(m, "=")
		if keepList[name] {
			return m
		}
		return name + "=***"
	})
}
