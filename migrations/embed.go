// Package migrations embeds the goose SQL migrations so the server binary,
// cmd/migrate and integration tests all apply the same schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
