// Package main is the entry point for labvm.
package main

import (
	"os"

	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/cli/vmcmd"
)

func main() {
	os.Exit(cli.Main(vmcmd.Root()))
}
