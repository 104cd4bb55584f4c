// Package migrations embeds the numbered SQL files for each supported store.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the PostgreSQL migration set.
func Postgres() fs.FS {
	return mustSub("postgres")
}

// SQLite returns the embedded-store migration set.
func SQLite() fs.FS {
	return mustSub("sqlite")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
