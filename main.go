package main

import (
	"os"

	"github.com/tsuzuku-app/tsuzuku/backend"
	"github.com/tsuzuku-app/tsuzuku/frontend"
)

func main() {
	// 'tsuzuku serve' runs the backend server; anything else opens the
	// interactive shell.
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		backend.RunBackend()
		return
	}
	frontend.RunFrontend()
}
