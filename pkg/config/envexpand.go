package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variable references in YAML content using
// Go template syntax: {{.VAR_NAME}}. Chosen over shell-style $VAR/${VAR}
// expansion because regex patterns and passwords in this system's YAML
// routinely contain literal '$' (masking patterns, secrets), which
// shell-style expansion would silently mangle.
//
// Missing variables expand to the empty string; validation is responsible
// for catching required fields left empty this way. If the content is not
// a valid template (e.g. it contains literal "{{" from some other source),
// the original bytes are returned unchanged so the YAML parser can process
// it as-is or fail with a clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
