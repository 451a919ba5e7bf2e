// Package configs provides the embedded project configuration template.
// The template is embedded at build time so `codescope init` works in every
// distribution, source builds and binary releases alike.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .codescope.yaml by `codescope init`.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
