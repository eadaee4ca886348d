package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/courseforge/labkit/pkg/virt"
)

// Get fetches a VM's domain XML and master images from the content
// server where absent, then creates any missing overlays. Material
// already present locally is kept.
func (m *Manager) Get(ctx context.Context, vm string) error {
	return m.withLock(vm, func() error {
		if m.fetcher == nil {
			return fmt.Errorf("no content server configured")
		}
		xml := m.xmlPath(vm)
		if _, err := os.Stat(xml); err != nil {
			m.log.Info("fetching domain xml", "vm", vm)
			if err := m.fetcher.Fetch(ctx, filepath.Base(xml), xml); err != nil {
				return fmt.Errorf("fetch domain xml for %s: %w", vm, err)
			}
		}
		disks, err := m.overlayDisks(vm)
		if err != nil {
			return err
		}
		for _, disk := range disks {
			master := masterFor(disk)
			if _, err := os.Stat(master); err != nil {
				m.log.Info("fetching master", "vm", vm, "image", filepath.Base(master))
				if err := m.fetcher.Fetch(ctx, filepath.Base(master), master); err != nil {
					return fmt.Errorf("fetch master for %s: %w", vm, err)
				}
			}
			if _, err := os.Stat(disk); err != nil {
				if err := m.img.CreateOverlay(ctx, master, disk); err != nil {
					return err
				}
			}
		}
		state, err := m.driver.State(ctx, m.Domain(vm))
		if err != nil {
			return err
		}
		if state == virt.StateUndefined {
			if err := m.driver.Define(ctx, xml); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reset discards a VM's overlay state by recreating every overlay from
// its master. A running VM is powered off first. Saves are kept.
func (m *Manager) Reset(ctx context.Context, vm string) error {
	return m.withLock(vm, func() error {
		if err := m.poweroffLocked(ctx, vm); err != nil {
			return err
		}
		return m.recreateOverlays(ctx, vm)
	})
}

// FullReset re-fetches a VM's domain XML and masters from the content
// server, overwriting local copies, then recreates the overlays. Saves
// taken against the old masters are removed, they no longer restore to
// a consistent state.
func (m *Manager) FullReset(ctx context.Context, vm string) error {
	return m.withLock(vm, func() error {
		if m.fetcher == nil {
			return fmt.Errorf("no content server configured")
		}
		if err := m.poweroffLocked(ctx, vm); err != nil {
			return err
		}
		xml := m.xmlPath(vm)
		m.log.Info("fetching domain xml", "vm", vm)
		if err := m.fetcher.Fetch(ctx, filepath.Base(xml), xml); err != nil {
			return fmt.Errorf("fetch domain xml for %s: %w", vm, err)
		}
		disks, err := m.overlayDisks(vm)
		if err != nil {
			return err
		}
		for _, disk := range disks {
			master := masterFor(disk)
			m.log.Info("fetching master", "vm", vm, "image", filepath.Base(master))
			if err := m.fetcher.Fetch(ctx, filepath.Base(master), master); err != nil {
				return fmt.Errorf("fetch master for %s: %w", vm, err)
			}
			if err := m.removeSaves(disk); err != nil {
				return err
			}
		}
		return m.recreateOverlays(ctx, vm)
	})
}

// Remove deletes every local trace of a VM: domain definition,
// overlays, saves, masters, and XML. Infrastructure VMs are refused.
func (m *Manager) Remove(ctx context.Context, vm string) error {
	if m.isInfra(vm) {
		return fmt.Errorf("%w: %s", ErrProtected, vm)
	}
	return m.withLock(vm, func() error {
		if err := m.poweroffLocked(ctx, vm); err != nil {
			return err
		}
		state, err := m.driver.State(ctx, m.Domain(vm))
		if err != nil {
			return err
		}
		if state != virt.StateUndefined {
			if err := m.driver.Undefine(ctx, m.Domain(vm)); err != nil {
				return err
			}
		}
		disks, err := m.overlayDisks(vm)
		if err != nil {
			// Without XML there is nothing on disk to clean up.
			return nil
		}
		m.log.Info("removing", "vm", vm)
		for _, disk := range disks {
			if err := m.removeSaves(disk); err != nil {
				return err
			}
			for _, path := range []string{disk, masterFor(disk)} {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove %s: %w", path, err)
				}
			}
		}
		if err := os.Remove(m.xmlPath(vm)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", m.xmlPath(vm), err)
		}
		return nil
	})
}

func (m *Manager) recreateOverlays(ctx context.Context, vm string) error {
	disks, err := m.overlayDisks(vm)
	if err != nil {
		return err
	}
	for _, disk := range disks {
		master := masterFor(disk)
		if _, err := os.Stat(master); err != nil {
			return fmt.Errorf("%w: %s, run get first", ErrMissingMaster, master)
		}
	}
	m.log.Info("resetting overlays", "vm", vm)
	for _, disk := range disks {
		if err := os.Remove(disk); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", disk, err)
		}
		if err := m.img.CreateOverlay(ctx, masterFor(disk), disk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) removeSaves(disk string) error {
	matches, err := filepath.Glob(disk + "-*")
	if err != nil {
		return fmt.Errorf("list saves of %s: %w", disk, err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove save %s: %w", path, err)
		}
	}
	return nil
}
