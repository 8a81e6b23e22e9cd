package server

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed ui/index.html ui/app.js
var uiFiles embed.FS

// uiFS returns the dashboard assets rooted at ui/.
func uiFS() http.FileSystem {
	sub, err := fs.Sub(uiFiles, "ui")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}
