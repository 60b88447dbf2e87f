package main

import (
	"os"

	"github.com/orizon-lang/memcx/cmd/memcx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
