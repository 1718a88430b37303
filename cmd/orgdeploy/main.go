package main

import (
	"os"

	"github.com/orgdeploy-io/orgdeploy/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
