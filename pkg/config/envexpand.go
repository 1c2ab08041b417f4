package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. The {{.VAR_NAME}} syntax avoids collisions with literal $
// characters found in regex patterns, passwords, and shell snippets that
// edge conditions and node scripts commonly embed.
//
// Missing variables expand to the empty string; Validate catches required
// fields left empty. Content that fails to parse or execute as a template
// passes through untouched so plain YAML is never mangled.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split on the first = only; values may contain = themselves.
		if idx := strings.IndexByte(env, '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
