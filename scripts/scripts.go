// Package scripts embeds the builtin Risor rule scripts shipped with
// covermark. Reference them from configuration as "builtin:<name>".
package scripts

import "embed"

// FS holds rules/*.risor.
//
//go:embed rules/*.risor
var FS embed.FS
