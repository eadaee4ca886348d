// Package cli provides the plumbing shared by the labsync and labvm
// command trees: exit code mapping, confirmation prompts, and logging
// setup.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// ErrPartial marks a batch where some items succeeded and some failed.
// It maps to its own exit code so scripts can tell partial results from
// outright failure.
var ErrPartial = errors.New("some operations failed")

// Exit codes: 0 full success, 1 partial failure, 2 nothing done.
const (
	ExitOK      = 0
	ExitPartial = 1
	ExitFatal   = 2
)

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrPartial):
		return ExitPartial
	default:
		return ExitFatal
	}
}

// Main executes a root command and returns the process exit code.
func Main(root *cobra.Command) int {
	err := root.Execute()
	if err != nil && !errors.Is(err, ErrPartial) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

// BatchErr maps per-item failure counts to the exit convention: nil
// when everything succeeded, ErrPartial when some items did, a plain
// error when nothing did.
func BatchErr(failed, total int) error {
	switch {
	case failed == 0:
		return nil
	case failed < total:
		return fmt.Errorf("%w: %d of %d", ErrPartial, failed, total)
	default:
		return fmt.Errorf("all %d operations failed", total)
	}
}

// Confirm asks the user a yes/no question. assumeYes answers without
// prompting, for scripted use.
func Confirm(question string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	var proceed bool
	prompt := &survey.Confirm{Message: question}
	if err := survey.AskOne(prompt, &proceed); err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	return proceed, nil
}

// NewLogger builds the logger commands hand to the libraries they call.
// Verbose lowers the level to debug.
func NewLogger(verbose bool) *log.Logger {
	logger := log.New(os.Stderr)
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}
