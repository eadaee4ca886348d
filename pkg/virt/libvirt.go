package virt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Libvirt drives domains through the virsh command line client.
type Libvirt struct {
	// URI selects the libvirt connection, e.g. "qemu:///system".
	// Empty uses virsh's default.
	URI string
}

// NewLibvirt creates a driver for the given connection URI.
func NewLibvirt(uri string) *Libvirt {
	return &Libvirt{URI: uri}
}

func (d *Libvirt) run(ctx context.Context, args ...string) (string, error) {
	if d.URI != "" {
		args = append([]string{"-c", d.URI}, args...)
	}
	cmd := exec.CommandContext(ctx, "virsh", args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("virsh %s: %s", args[len(args)-1], msg)
	}
	return strings.TrimSpace(out.String()), nil
}

func (d *Libvirt) Define(ctx context.Context, xmlPath string) error {
	_, err := d.run(ctx, "define", xmlPath)
	return err
}

func (d *Libvirt) Undefine(ctx context.Context, name string) error {
	_, err := d.run(ctx, "undefine", name)
	return err
}

func (d *Libvirt) Start(ctx context.Context, name string) error {
	_, err := d.run(ctx, "start", name)
	return err
}

func (d *Libvirt) Shutdown(ctx context.Context, name string) error {
	_, err := d.run(ctx, "shutdown", name)
	return err
}

func (d *Libvirt) Destroy(ctx context.Context, name string) error {
	_, err := d.run(ctx, "destroy", name)
	return err
}

func (d *Libvirt) State(ctx context.Context, name string) (State, error) {
	out, err := d.run(ctx, "domstate", name)
	if err != nil {
		if strings.Contains(err.Error(), "failed to get domain") {
			return StateUndefined, nil
		}
		return StateUnknown, err
	}
	return parseDomState(out), nil
}

// parseDomState maps virsh domstate output to a State. virsh prints
// states like "running", "paused", "shut off", "pmsuspended".
func parseDomState(out string) State {
	switch strings.TrimSpace(out) {
	case "running":
		return StateRunning
	case "paused", "pmsuspended":
		return StatePaused
	case "shut off":
		return StateShutOff
	case "":
		return StateUndefined
	}
	return StateUnknown
}
