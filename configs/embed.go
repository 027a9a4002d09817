// Package configs provides the embedded configuration template for ragsvc.
//
// The template is embedded at build time with //go:embed so it ships
// inside the binary regardless of how ragsvc was installed. It is
// written out by `ragsvc config init`.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration file.
// Created by: `ragsvc config init` at ~/.config/ragsvc/config.yaml
// (or $XDG_CONFIG_HOME/ragsvc/config.yaml).
//
//go:embed ragsvc.example.yaml
var ConfigTemplate string
