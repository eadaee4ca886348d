package virt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// QemuImg creates disk images with the qemu-img command line tool.
type QemuImg struct{}

// NewQemuImg creates a qemu-img backed image tool.
func NewQemuImg() *QemuImg {
	return &QemuImg{}
}

// CreateOverlay creates a qcow2 overlay at path whose backing file is
// master. The master is opened read-only by guests booted from the
// overlay.
func (q *QemuImg) CreateOverlay(ctx context.Context, master, path string) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create",
		"-q", "-f", "qcow2", "-F", "qcow2", "-b", master, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("qemu-img create %s: %s", path, msg)
	}
	return nil
}
