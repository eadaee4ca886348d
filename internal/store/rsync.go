package store

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/charmbracelet/log"
)

// RsyncDriver implements TransferDriver by shelling out to rsync.
// rsync already gives us the delta transfer and remote-side atomic
// publish (write to a dotfile, rename on completion) this tool needs.
type RsyncDriver struct {
	log *log.Logger
}

// NewRsyncDriver creates an rsync-backed transfer driver.
func NewRsyncDriver(logger *log.Logger) *RsyncDriver {
	return &RsyncDriver{log: logger.With("component", "rsync")}
}

// Sync implements TransferDriver.
func (d *RsyncDriver) Sync(ctx context.Context, src, dst string) error {
	d.log.Debug("sync", "src", src, "dst", dst)
	cmd := exec.CommandContext(ctx, "rsync", "-t", "--partial", src, dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rsync %s -> %s: %w: %s", src, dst, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// List implements TransferDriver via "rsync --list-only".
func (d *RsyncDriver) List(ctx context.Context, addr string) ([]Entry, error) {
	cmd := exec.CommandContext(ctx, "rsync", "--list-only", addr+"/")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rsync --list-only %s: %w: %s", addr, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseListing(stdout.String()), nil
}
