// Package overlay manages the lifecycle of VM overlay disks: creation
// from master images, save and restore of named snapshots, and the
// domain lifecycle operations built on them.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/courseforge/labkit/internal/lockfile"
	"github.com/courseforge/labkit/pkg/virt"
)

var (
	// ErrVMRunning is returned by operations that need the domain shut
	// off.
	ErrVMRunning = errors.New("vm is running")
	// ErrNoSave is returned when a requested save label does not exist.
	ErrNoSave = errors.New("no such save")
	// ErrDuplicateSave is returned when a save label already exists.
	ErrDuplicateSave = errors.New("save label already exists")
	// ErrProtected is returned for destructive operations on
	// infrastructure VMs.
	ErrProtected = errors.New("vm is infrastructure, refusing destructive operation")
	// ErrMissingOverlay is returned when a domain's overlay disks are
	// absent.
	ErrMissingOverlay = errors.New("overlay disk missing")
	// ErrMissingMaster is returned when a master image is absent.
	ErrMissingMaster = errors.New("master image missing")
)

// StateError reports an operation attempted in a domain state that
// forbids it.
type StateError struct {
	VM    string
	State virt.State
	Op    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s while it is %s, stop it first", e.Op, e.VM, e.State)
}

func (e *StateError) Unwrap() error { return ErrVMRunning }

// overlayDiskRe matches overlay disk paths referenced from domain XML.
var overlayDiskRe = regexp.MustCompile(`'([^']*-vd[a-z]\.ovl)'`)

// Fetcher retrieves one file from the content server into a local path.
type Fetcher interface {
	Fetch(ctx context.Context, filename, dstPath string) error
}

// Manager owns the on-disk VM tree for one course and drives domains
// through a virt.Driver. All mutating operations take the per-domain
// lock and fail immediately if another operation holds it.
type Manager struct {
	course  string
	dir     string
	driver  virt.Driver
	img     virt.ImageTool
	locks   *lockfile.Coordinator
	fetcher Fetcher
	isInfra func(vm string) bool
	stopFor time.Duration
	poll    time.Duration
	log     *log.Logger
}

// Options configures a Manager.
type Options struct {
	Course      string
	Dir         string
	Driver      virt.Driver
	ImageTool   virt.ImageTool
	Locks       *lockfile.Coordinator
	Fetcher     Fetcher
	IsInfra     func(vm string) bool
	StopTimeout time.Duration
	Logger      *log.Logger
}

// NewManager creates a manager for one course's VM tree.
func NewManager(opts Options) *Manager {
	if opts.IsInfra == nil {
		opts.IsInfra = func(string) bool { return false }
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 90 * time.Second
	}
	return &Manager{
		course:  opts.Course,
		dir:     opts.Dir,
		driver:  opts.Driver,
		img:     opts.ImageTool,
		locks:   opts.Locks,
		fetcher: opts.Fetcher,
		isInfra: opts.IsInfra,
		stopFor: opts.StopTimeout,
		poll:    stopPollInterval,
		log:     opts.Logger,
	}
}

// Domain returns the libvirt domain name for a VM.
func (m *Manager) Domain(vm string) string {
	return m.course + "-" + vm
}

func (m *Manager) xmlPath(vm string) string {
	return filepath.Join(m.dir, m.Domain(vm)+".xml")
}

// overlayDisks scans the domain XML for its overlay disk paths. Disks
// follow the {course}-{vm}-vdX.ovl convention; position in the XML
// fixes their order.
func (m *Manager) overlayDisks(vm string) ([]string, error) {
	data, err := os.ReadFile(m.xmlPath(vm))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("domain xml for %s not present, run get first: %w", vm, err)
		}
		return nil, fmt.Errorf("read domain xml for %s: %w", vm, err)
	}
	var disks []string
	for _, match := range overlayDiskRe.FindAllStringSubmatch(string(data), -1) {
		disks = append(disks, match[1])
	}
	if len(disks) == 0 {
		return nil, fmt.Errorf("domain xml for %s references no overlay disks", vm)
	}
	return disks, nil
}

// masterFor maps an overlay disk path to its backing master image.
func masterFor(overlayPath string) string {
	return overlayPath[:len(overlayPath)-len(".ovl")] + ".qcow2"
}

// withLock runs fn holding vm's operation lock.
func (m *Manager) withLock(vm string, fn func() error) error {
	return m.locks.WithLock(m.Domain(vm), fn)
}

// copyFile copies src to dst, staging and renaming so a failed copy
// leaves no partial dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Save is one named snapshot of a VM's overlay set.
type Save struct {
	Label string
	Taken time.Time
	Size  int64
}

// ListSaves returns a VM's saves ordered oldest to newest.
func (m *Manager) ListSaves(ctx context.Context, vm string) ([]Save, error) {
	disks, err := m.overlayDisks(vm)
	if err != nil {
		return nil, err
	}
	// Saves carry the same label across every disk of the set; the
	// first disk's files enumerate the labels.
	prefix := disks[0] + "-"
	matches, err := filepath.Glob(prefix + "*")
	if err != nil {
		return nil, fmt.Errorf("list saves for %s: %w", vm, err)
	}
	var saves []Save
	for _, path := range matches {
		label := path[len(prefix):]
		total, newest, ok := m.saveSize(disks, label)
		if !ok {
			continue
		}
		saves = append(saves, Save{Label: label, Taken: newest, Size: total})
	}
	sort.Slice(saves, func(i, j int) bool { return saves[i].Taken.Before(saves[j].Taken) })
	return saves, nil
}

// saveSize totals a labeled save across the disk set. Incomplete sets
// (a label missing on some disk) are not reported.
func (m *Manager) saveSize(disks []string, label string) (int64, time.Time, bool) {
	var total int64
	var newest time.Time
	for _, disk := range disks {
		fi, err := os.Stat(disk + "-" + label)
		if err != nil {
			return 0, time.Time{}, false
		}
		total += fi.Size()
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return total, newest, true
}
