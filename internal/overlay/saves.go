package overlay

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/courseforge/labkit/pkg/virt"
)

// saveLabelFormat names unlabeled saves by minute-resolution timestamp.
const saveLabelFormat = "200601021504"

// Save snapshots a VM's overlay set under label. An empty label uses
// the current timestamp. A running VM is stopped first; a copy of a
// live overlay would not be consistent. The label must not already
// exist on any disk of the set.
func (m *Manager) Save(ctx context.Context, vm, label string) (string, error) {
	if label == "" {
		label = time.Now().Format(saveLabelFormat)
	}
	err := m.withLock(vm, func() error {
		if err := m.stopLocked(ctx, vm); err != nil {
			return err
		}
		disks, err := m.overlayDisks(vm)
		if err != nil {
			return err
		}
		for _, disk := range disks {
			if _, err := os.Stat(disk); err != nil {
				return fmt.Errorf("%w: %s", ErrMissingOverlay, disk)
			}
			if _, err := os.Stat(disk + "-" + label); err == nil {
				return fmt.Errorf("%w: %s on %s", ErrDuplicateSave, label, vm)
			}
		}
		m.log.Info("saving", "vm", vm, "label", label)
		for i, disk := range disks {
			if err := copyFile(disk, disk+"-"+label); err != nil {
				// Do not leave a partial save set behind.
				for _, done := range disks[:i] {
					os.Remove(done + "-" + label)
				}
				return fmt.Errorf("save %s of %s: %w", label, vm, err)
			}
		}
		return nil
	})
	return label, err
}

// Restore replaces a VM's overlay set with the save named label. An
// empty label restores the most recent save. The VM must be shut off.
func (m *Manager) Restore(ctx context.Context, vm, label string) (string, error) {
	var restored string
	err := m.withLock(vm, func() error {
		if err := m.requireShutOff(ctx, vm); err != nil {
			return err
		}
		disks, err := m.overlayDisks(vm)
		if err != nil {
			return err
		}
		if label == "" {
			saves, err := m.ListSaves(ctx, vm)
			if err != nil {
				return err
			}
			if len(saves) == 0 {
				return fmt.Errorf("%w: %s has no saves", ErrNoSave, vm)
			}
			label = saves[len(saves)-1].Label
		} else if _, _, ok := m.saveSize(disks, label); !ok {
			return fmt.Errorf("%w: %s on %s", ErrNoSave, label, vm)
		}
		m.log.Info("restoring", "vm", vm, "label", label)
		for _, disk := range disks {
			if err := copyFile(disk+"-"+label, disk); err != nil {
				return fmt.Errorf("restore %s of %s: %w", label, vm, err)
			}
		}
		restored = label
		return nil
	})
	return restored, err
}

// DeleteSave removes the save named label from every disk of the set.
func (m *Manager) DeleteSave(ctx context.Context, vm, label string) error {
	return m.withLock(vm, func() error {
		disks, err := m.overlayDisks(vm)
		if err != nil {
			return err
		}
		if _, _, ok := m.saveSize(disks, label); !ok {
			return fmt.Errorf("%w: %s on %s", ErrNoSave, label, vm)
		}
		m.log.Info("deleting save", "vm", vm, "label", label)
		for _, disk := range disks {
			if err := os.Remove(disk + "-" + label); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete save %s of %s: %w", label, vm, err)
			}
		}
		return nil
	})
}

// requireShutOff fails with ErrVMRunning unless the domain is shut off
// or undefined.
func (m *Manager) requireShutOff(ctx context.Context, vm string) error {
	state, err := m.driver.State(ctx, m.Domain(vm))
	if err != nil {
		return err
	}
	if state == virt.StateRunning || state == virt.StatePaused {
		return &StateError{VM: vm, State: state, Op: "restore"}
	}
	return nil
}
