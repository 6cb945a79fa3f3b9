// Package configs provides embedded configuration templates for viberag.
//
// How Configuration Templates Work:
//
// Templates are embedded at build time using Go's //go:embed directive.
// This ensures they are available in ALL distributions:
//   - Source builds (go install)
//   - Binary releases
//   - Homebrew installations
//
// The templates are used by:
//   - cmd/viberag-daemon/cmd/init.go → generateViberagJSON() - creates .viberag.json
//   - cmd/viberag-daemon/cmd/config.go → creates user config at ~/.config/viberag/config.json
//
// Template files:
//   - project-config.example.json: Project-specific settings (paths, search, submodules)
//   - user-config.example.json: Machine-specific settings (thermal, Ollama host, MLX)
//
// Configuration Hierarchy (see internal/config/config.go Load()):
//   1. Hardcoded defaults (internal/config/config.go NewConfig())
//   2. User config (~/.config/viberag/config.json)
//   3. Project config (.viberag.json)
//   4. Environment variables (VIBERAG_*)
//
// JSON has no comment syntax, so these templates rely on field names matching
// internal/config.Config's json tags rather than inline documentation - see
// that package's doc comments for what each field does.
//
// To modify templates, edit the .json files in this directory and rebuild.
// Changes will be embedded in the next build.
package configs

import _ "embed"

// UserConfigTemplate is the template for user/machine-level configuration.
// Created by: `viberag-daemon config init` at ~/.config/viberag/config.json
// Contains: Machine-specific settings like thermal management, Ollama host, MLX endpoint.
// Use case: Settings that apply to all projects on this machine.
//
//go:embed user-config.example.json
var UserConfigTemplate string

// ProjectConfigTemplate is the template for project-level configuration.
// Created by: `viberag-daemon init` at .viberag.json in the project root
// Contains: Project-specific settings like paths.exclude, search weights, submodules.
// Use case: Settings that are version-controlled with the project.
//
//go:embed project-config.example.json
var ProjectConfigTemplate string
