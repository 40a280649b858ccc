// Package configs provides the embedded configuration template for gsindex.
//
// The template is embedded at build time, so `gsindex config init` works the
// same from a source build and from a release binary.
package configs

import _ "embed"

// ExampleConfig is the annotated configuration written by `gsindex config init`.
//
//go:embed gsindex.example.yaml
var ExampleConfig string
