package hiveconfig

import (
	"regexp"
	"strings"
)

// parseTimeRE matches `${plugin.key}` or `${plugin.key:-default}`.
// Escaped `$${...}` is handled by the caller before this regex runs.
var parseTimeRE = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\.([a-zA-Z0-9_\-./]+)(:-([^}]*))?\}`)

// runtimeRE matches `{{runtime.port.<name>}}` or `{{uses.<alias>.port.<name>}}`.
var runtimeRE = regexp.MustCompile(`\{\{(runtime|uses)\.([a-zA-Z0-9_\-]+\.)?port\.([a-zA-Z0-9_\-]+)\}\}`)

// escapedRuntimeRE matches a whole `{{{...}}}` escaped runtime token.
var escapedRuntimeRE = regexp.MustCompile(`\{\{\{([^{}]*)\}\}\}`)

const (
	escOpenDollar = "\x00ESC_DOLLAR\x00"
	escOpenBrace  = "\x00ESC_BRACE\x00"
	escCloseBrace = "\x00ESC_CLOSE_BRACE\x00"
)

// maskEscapes replaces `$${` with a sentinel and the braces of a
// `{{{...}}}` token with others so the parse-time and runtime regexes
// never see them, then unmaskEscapes restores the literal `${` and
// `{{...}}` text after substitution.
func maskEscapes(s string) string {
	s = strings.ReplaceAll(s, "$${", escOpenDollar)
	s = escapedRuntimeRE.ReplaceAllString(s, escOpenBrace+"${1}"+escCloseBrace)
	s = strings.ReplaceAll(s, "{{{", escOpenBrace)
	return s
}

func unmaskEscapes(s string) string {
	s = strings.ReplaceAll(s, escOpenDollar, "${")
	s = strings.ReplaceAll(s, escOpenBrace, "{{")
	s = strings.ReplaceAll(s, escCloseBrace, "}}")
	return s
}

// findParseTimeRefs extracts every `${plugin.key[:-default]}` token in s.
func findParseTimeRefs(s string) []PluginVarRef {
	matches := parseTimeRE.FindAllStringSubmatch(maskEscapes(s), -1)
	refs := make([]PluginVarRef, 0, len(matches))
	for _, m := range matches {
		ref := PluginVarRef{Plugin: m[1], Key: m[2]}
		if m[3] != "" {
			ref.HasDefault = true
			ref.Default = m[4]
		}
		refs = append(refs, ref)
	}
	return refs
}

// substituteParseTime replaces every `${plugin.key[:-default]}` in s
// using resolve(plugin, key) -> (value, ok). Escapes are restored.
func substituteParseTime(s string, resolve func(plugin, key string) (string, bool)) (string, []PluginVarRef) {
	masked := maskEscapes(s)
	var missing []PluginVarRef
	out := parseTimeRE.ReplaceAllStringFunc(masked, func(tok string) string {
		m := parseTimeRE.FindStringSubmatch(tok)
		plugin, key := m[1], m[2]
		hasDefault := m[3] != ""
		def := m[4]
		if v, ok := resolve(plugin, key); ok {
			return v
		}
		if hasDefault {
			return def
		}
		missing = append(missing, PluginVarRef{Plugin: plugin, Key: key})
		return tok
	})
	return unmaskEscapes(out), missing
}

// runtimeRef is one resolved `{{runtime.port.X}}` or `{{uses.alias.port.X}}` token.
type runtimeRef struct {
	Scope string // "runtime" | "uses"
	Alias string // non-empty only for "uses"
	Port  string
}

func findRuntimeRefs(s string) []runtimeRef {
	matches := runtimeRE.FindAllStringSubmatch(maskEscapes(s), -1)
	refs := make([]runtimeRef, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, runtimeRef{
			Scope: m[1],
			Alias: strings.TrimSuffix(m[2], "."),
			Port:  m[3],
		})
	}
	return refs
}

// substituteRuntime replaces every runtime template in s. resolve
// receives the parsed ref and must return the concrete value.
func substituteRuntime(s string, resolve func(ref runtimeRef) (string, bool)) (string, bool) {
	masked := maskEscapes(s)
	ok := true
	out := runtimeRE.ReplaceAllStringFunc(masked, func(tok string) string {
		m := runtimeRE.FindStringSubmatch(tok)
		ref := runtimeRef{Scope: m[1], Alias: strings.TrimSuffix(m[2], "."), Port: m[3]}
		v, found := resolve(ref)
		if !found {
			ok = false
			return tok
		}
		return v
	})
	return unmaskEscapes(out), ok
}
