// Package namespace implements the bridge's tool-naming scheme: a tool
// "create_issue" from upstream "linear" becomes "linear__create_issue".
package namespace

import "strings"

// Separator is the literal sequence joining source and tool name.
const Separator = "__"

// Join builds the namespaced tool name for source and tool.
func Join(source, tool string) string {
	return source + Separator + tool
}

// Split parses a namespaced tool name back into its source and original
// tool name, splitting on the first occurrence of Separator only — the
// remainder may itself contain "__". ok is false if name contains no
// separator at all.
func Split(name string) (source, tool string, ok bool) {
	idx := strings.Index(name, Separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(Separator):], true
}
