// Package virt provides a unified interface for domain lifecycle and
// disk image operations, backed by libvirt and qemu-img.
package virt

import (
	"context"
	"errors"
)

// Domain lifecycle errors
var (
	ErrDomainNotFound = errors.New("virt: domain not defined")
	ErrDomainRunning  = errors.New("virt: domain is running")
	ErrDomainShutOff  = errors.New("virt: domain is not running")
)

// State is the lifecycle state of a domain as the hypervisor reports it.
type State int

const (
	// StateUndefined means the hypervisor has no such domain.
	StateUndefined State = iota
	// StateShutOff means the domain is defined but not running.
	StateShutOff
	// StateRunning means the domain is executing.
	StateRunning
	// StatePaused means the domain exists with execution suspended.
	StatePaused
	// StateUnknown covers transient states not modeled here.
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateShutOff:
		return "shut off"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}

// Driver is the interface for domain lifecycle operations.
type Driver interface {
	// Define registers a domain from its XML description.
	Define(ctx context.Context, xmlPath string) error

	// Undefine removes a domain definition. The domain must not be
	// running.
	Undefine(ctx context.Context, name string) error

	// Start boots a defined domain.
	Start(ctx context.Context, name string) error

	// Shutdown requests a guest-cooperative shutdown. The domain may
	// still be running when this returns.
	Shutdown(ctx context.Context, name string) error

	// Destroy terminates a domain immediately, like pulling the plug.
	Destroy(ctx context.Context, name string) error

	// State reports the domain's current lifecycle state.
	// A domain the hypervisor does not know returns StateUndefined
	// with a nil error.
	State(ctx context.Context, name string) (State, error)
}

// ImageTool is the interface for copy-on-write disk image operations.
type ImageTool interface {
	// CreateOverlay creates a qcow2 overlay at path backed by master.
	CreateOverlay(ctx context.Context, master, path string) error
}
