// Package main is the entry point for labsync.
package main

import (
	"os"

	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/cli/synccmd"
)

func main() {
	os.Exit(cli.Main(synccmd.Root()))
}
