package main

import (
	"os"

	"github.com/pelusa-v/pelusa-chat/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
