package main

import (
	"os"

	"miren.dev/dispatch/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
