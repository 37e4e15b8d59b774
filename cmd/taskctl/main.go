package main

import (
	"os"

	"github.com/mgrady/taskvisor/cmd/taskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
