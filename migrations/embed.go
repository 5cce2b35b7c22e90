// Package migrations embeds the versioned schema files applied by
// `triage-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
