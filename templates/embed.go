// Package templates embeds the default configuration and the home
// directory readme seeded by setup.
package templates

import "embed"

//go:embed config.yaml readme.md
var FS embed.FS
