package main

import (
	"embed"
	"io/fs"

	"github.com/lazypower/tabflow/internal/server"
)

//go:embed all:ui
var uiFiles embed.FS

func init() {
	sub, err := fs.Sub(uiFiles, "ui")
	if err != nil {
		return
	}
	server.SetUI(sub)
}
