package main

import (
	"os"
	_ "time/tzdata"

	"github.com/rustyeddy/transmission/cmd/transmission/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
