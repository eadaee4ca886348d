package overlay

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/courseforge/labkit/pkg/virt"
)

// stopPollInterval is how often Stop re-checks the domain state while
// waiting for a guest shutdown.
const stopPollInterval = 2 * time.Second

// Start boots a VM, defining the domain first when the hypervisor does
// not know it yet. Starting a running VM is a no-op.
func (m *Manager) Start(ctx context.Context, vm string) error {
	return m.withLock(vm, func() error {
		state, err := m.driver.State(ctx, m.Domain(vm))
		if err != nil {
			return err
		}
		if state == virt.StateRunning || state == virt.StatePaused {
			m.log.Info("already running", "vm", vm)
			return nil
		}
		// A defined domain can still be missing its disks, deleted
		// behind libvirt's back. Check before handing it to the
		// hypervisor either way.
		disks, err := m.overlayDisks(vm)
		if err != nil {
			return err
		}
		for _, disk := range disks {
			if _, err := os.Stat(disk); err != nil {
				return fmt.Errorf("%w: %s, run reset or get first", ErrMissingOverlay, disk)
			}
		}
		if state == virt.StateUndefined {
			if err := m.driver.Define(ctx, m.xmlPath(vm)); err != nil {
				return err
			}
		}
		m.log.Info("starting", "vm", vm)
		return m.driver.Start(ctx, m.Domain(vm))
	})
}

// Stop requests a guest shutdown and waits for the domain to power off,
// repeating the request while waiting. VMs still running after the
// configured timeout are destroyed. Stopping a shut off VM is a no-op.
func (m *Manager) Stop(ctx context.Context, vm string) error {
	return m.withLock(vm, func() error {
		return m.stopLocked(ctx, vm)
	})
}

func (m *Manager) stopLocked(ctx context.Context, vm string) error {
	domain := m.Domain(vm)
	state, err := m.driver.State(ctx, domain)
	if err != nil {
		return err
	}
	if state != virt.StateRunning && state != virt.StatePaused {
		return nil
	}

	m.log.Info("stopping", "vm", vm, "timeout", m.stopFor)
	deadline := time.Now().Add(m.stopFor)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Guests sometimes miss a shutdown request; keep asking.
		if err := m.driver.Shutdown(ctx, domain); err != nil {
			m.log.Debug("shutdown request failed", "vm", vm, "err", err)
		}
		sleepCtx(ctx, m.poll)
		state, err = m.driver.State(ctx, domain)
		if err != nil {
			return err
		}
		if state != virt.StateRunning && state != virt.StatePaused {
			return nil
		}
	}

	m.log.Warn("guest ignored shutdown, destroying", "vm", vm)
	return m.driver.Destroy(ctx, domain)
}

// Poweroff destroys a running VM immediately. Powering off a shut off
// VM is a no-op.
func (m *Manager) Poweroff(ctx context.Context, vm string) error {
	return m.withLock(vm, func() error {
		return m.poweroffLocked(ctx, vm)
	})
}

func (m *Manager) poweroffLocked(ctx context.Context, vm string) error {
	state, err := m.driver.State(ctx, m.Domain(vm))
	if err != nil {
		return err
	}
	if state != virt.StateRunning && state != virt.StatePaused {
		return nil
	}
	m.log.Info("powering off", "vm", vm)
	return m.driver.Destroy(ctx, m.Domain(vm))
}

// Restart stops a VM, waiting for the guest, then boots it again.
func (m *Manager) Restart(ctx context.Context, vm string) error {
	if err := m.Stop(ctx, vm); err != nil {
		return err
	}
	return m.Start(ctx, vm)
}

// Status describes one VM for status reporting.
type Status struct {
	VM       string
	Domain   string
	State    virt.State
	Overlays bool
	Saves    int
	Locked   bool
	Infra    bool
}

// Status reports a VM's domain state, local material, and lock state.
// It takes no lock so it stays usable while an operation runs.
func (m *Manager) Status(ctx context.Context, vm string) (*Status, error) {
	st := &Status{
		VM:     vm,
		Domain: m.Domain(vm),
		Locked: m.locks.Held(m.Domain(vm)),
		Infra:  m.isInfra(vm),
	}

	state, err := m.driver.State(ctx, st.Domain)
	if err != nil {
		return nil, err
	}
	st.State = state

	disks, err := m.overlayDisks(vm)
	if err != nil {
		// No XML means the VM was never fetched; report that rather
		// than failing the whole status listing.
		return st, nil
	}
	st.Overlays = true
	for _, disk := range disks {
		if _, err := os.Stat(disk); err != nil {
			st.Overlays = false
			break
		}
	}
	saves, err := m.ListSaves(ctx, vm)
	if err == nil {
		st.Saves = len(saves)
	}
	return st, nil
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
