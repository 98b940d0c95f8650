package main

import (
	"os"

	"github.com/emptyset-io/taskpool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
