package overlay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/courseforge/labkit/internal/lockfile"
	"github.com/courseforge/labkit/internal/testutil"
	"github.com/courseforge/labkit/pkg/virt"
)

// fakeDriver tracks domain states in memory.
type fakeDriver struct {
	mu        sync.Mutex
	states    map[string]virt.State
	stubborn  bool // guest ignores shutdown requests
	shutdowns int
	destroys  int
	defines   int
	undefines int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{states: map[string]virt.State{}}
}

func (d *fakeDriver) set(name string, s virt.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[name] = s
}

func (d *fakeDriver) Define(ctx context.Context, xmlPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defines++
	name := filepath.Base(xmlPath)
	d.states[name[:len(name)-len(".xml")]] = virt.StateShutOff
	return nil
}

func (d *fakeDriver) Undefine(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.states[name] == virt.StateRunning {
		return virt.ErrDomainRunning
	}
	d.undefines++
	delete(d.states, name)
	return nil
}

func (d *fakeDriver) Start(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.states[name]; !ok {
		return virt.ErrDomainNotFound
	}
	d.states[name] = virt.StateRunning
	return nil
}

func (d *fakeDriver) Shutdown(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
	if !d.stubborn {
		d.states[name] = virt.StateShutOff
	}
	return nil
}

func (d *fakeDriver) Destroy(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys++
	d.states[name] = virt.StateShutOff
	return nil
}

func (d *fakeDriver) State(ctx context.Context, name string) (virt.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[name]
	if !ok {
		return virt.StateUndefined, nil
	}
	return s, nil
}

// fakeImageTool records overlay creation by writing marker files.
type fakeImageTool struct {
	created []string
}

func (f *fakeImageTool) CreateOverlay(ctx context.Context, master, path string) error {
	if _, err := os.Stat(master); err != nil {
		return fmt.Errorf("backing file %s missing", master)
	}
	f.created = append(f.created, path)
	return os.WriteFile(path, []byte("overlay of "+filepath.Base(master)), 0644)
}

// fakeFetcher serves files from an in-memory map.
type fakeFetcher struct {
	files   map[string]string
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, filename, dstPath string) error {
	content, ok := f.files[filename]
	if !ok {
		return fmt.Errorf("%s not on server", filename)
	}
	f.fetched = append(f.fetched, filename)
	return os.WriteFile(dstPath, []byte(content), 0644)
}

type fixture struct {
	m      *Manager
	driver *fakeDriver
	img    *fakeImageTool
	fetch  *fakeFetcher
	dir    string
}

func domainXML(dir string) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>rh124-vm1</name>
  <devices>
    <disk type='file'><source file='%s/rh124-vm1-vda.ovl'/></disk>
    <disk type='file'><source file='%s/rh124-vm1-vdb.ovl'/></disk>
  </devices>
</domain>`, dir, dir)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	driver := newFakeDriver()
	img := &fakeImageTool{}
	fetch := &fakeFetcher{files: map[string]string{
		"rh124-vm1.xml":       domainXML(dir),
		"rh124-vm1-vda.qcow2": "master vda",
		"rh124-vm1-vdb.qcow2": "master vdb",
	}}
	m := NewManager(Options{
		Course:      "rh124",
		Dir:         dir,
		Driver:      driver,
		ImageTool:   img,
		Locks:       lockfile.NewCoordinator(dir),
		Fetcher:     fetch,
		IsInfra:     func(vm string) bool { return vm == "vm0" },
		StopTimeout: 50 * time.Millisecond,
		Logger:      testutil.Logger(),
	})
	m.poll = time.Millisecond
	return &fixture{m: m, driver: driver, img: img, fetch: fetch, dir: dir}
}

// provision writes the XML, masters, and overlays a defined VM has.
func (f *fixture) provision(t *testing.T) {
	t.Helper()
	testutil.WriteFile(t, f.dir, "rh124-vm1.xml", []byte(domainXML(f.dir)))
	for _, disk := range []string{"vda", "vdb"} {
		testutil.WriteFile(t, f.dir, "rh124-vm1-"+disk+".qcow2", []byte("master "+disk))
		testutil.WriteFile(t, f.dir, "rh124-vm1-"+disk+".ovl", []byte("overlay "+disk))
	}
}

func TestGetFetchesAndCreatesOverlays(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Get(context.Background(), "vm1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, name := range []string{"rh124-vm1.xml", "rh124-vm1-vda.qcow2", "rh124-vm1-vdb.qcow2",
		"rh124-vm1-vda.ovl", "rh124-vm1-vdb.ovl"} {
		if _, err := os.Stat(filepath.Join(f.dir, name)); err != nil {
			t.Errorf("%s not present after get: %v", name, err)
		}
	}
	if len(f.img.created) != 2 {
		t.Fatalf("overlays created = %v", f.img.created)
	}
	if f.driver.defines != 1 {
		t.Fatalf("defines = %d, want 1", f.driver.defines)
	}
}

func TestGetKeepsExistingMaterial(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	if err := f.m.Get(context.Background(), "vm1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(f.fetch.fetched) != 0 {
		t.Fatalf("refetched existing material: %v", f.fetch.fetched)
	}
	data, _ := os.ReadFile(filepath.Join(f.dir, "rh124-vm1-vda.ovl"))
	if string(data) != "overlay vda" {
		t.Fatalf("existing overlay replaced: %q", data)
	}
}

func TestStartDefinesWhenUndefined(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	if err := f.m.Start(context.Background(), "vm1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.driver.defines != 1 {
		t.Fatalf("defines = %d, want 1", f.driver.defines)
	}
	if s, _ := f.driver.State(context.Background(), "rh124-vm1"); s != virt.StateRunning {
		t.Fatalf("state = %v, want running", s)
	}

	// Starting again is a no-op.
	if err := f.m.Start(context.Background(), "vm1"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if f.driver.defines != 1 {
		t.Fatalf("defines after second start = %d", f.driver.defines)
	}
}

func TestStartMissingOverlay(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	os.Remove(filepath.Join(f.dir, "rh124-vm1-vdb.ovl"))
	if err := f.m.Start(context.Background(), "vm1"); !errors.Is(err, ErrMissingOverlay) {
		t.Fatalf("got %v, want ErrMissingOverlay", err)
	}
}

func TestStartDefinedDomainMissingOverlay(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)
	os.Remove(filepath.Join(f.dir, "rh124-vm1-vdb.ovl"))

	if err := f.m.Start(context.Background(), "vm1"); !errors.Is(err, ErrMissingOverlay) {
		t.Fatalf("got %v, want ErrMissingOverlay", err)
	}
	if s, _ := f.driver.State(context.Background(), "rh124-vm1"); s != virt.StateShutOff {
		t.Fatalf("domain started without its overlay, state = %v", s)
	}
}

func TestStopGraceful(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)

	if err := f.m.Stop(context.Background(), "vm1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.driver.destroys != 0 {
		t.Fatalf("destroys = %d, want 0", f.driver.destroys)
	}
	if s, _ := f.driver.State(context.Background(), "rh124-vm1"); s != virt.StateShutOff {
		t.Fatalf("state = %v, want shut off", s)
	}
}

func TestStopDestroysStubbornGuest(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)
	f.driver.stubborn = true

	if err := f.m.Stop(context.Background(), "vm1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.driver.destroys != 1 {
		t.Fatalf("destroys = %d, want 1", f.driver.destroys)
	}
	if f.driver.shutdowns == 0 {
		t.Fatal("destroyed without trying shutdown first")
	}
}

func TestStopShutOffNoop(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)
	if err := f.m.Stop(context.Background(), "vm1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.driver.shutdowns != 0 || f.driver.destroys != 0 {
		t.Fatalf("shut off vm touched: shutdowns=%d destroys=%d", f.driver.shutdowns, f.driver.destroys)
	}
}

func TestSaveRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)

	label, err := f.m.Save(ctx, "vm1", "clean")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if label != "clean" {
		t.Fatalf("label = %q", label)
	}

	// Saving the same label again fails.
	if _, err := f.m.Save(ctx, "vm1", "clean"); !errors.Is(err, ErrDuplicateSave) {
		t.Fatalf("duplicate save: got %v, want ErrDuplicateSave", err)
	}

	// Wreck the overlay, then restore.
	ovl := filepath.Join(f.dir, "rh124-vm1-vda.ovl")
	os.WriteFile(ovl, []byte("student broke it"), 0644)

	restored, err := f.m.Restore(ctx, "vm1", "clean")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != "clean" {
		t.Fatalf("restored = %q", restored)
	}
	data, _ := os.ReadFile(ovl)
	if string(data) != "overlay vda" {
		t.Fatalf("overlay after restore = %q", data)
	}
}

func TestSaveStopsRunningVM(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)
	if _, err := f.m.Save(context.Background(), "vm1", "clean"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if s, _ := f.driver.State(context.Background(), "rh124-vm1"); s != virt.StateShutOff {
		t.Fatalf("state after save = %v, want shut off", s)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "rh124-vm1-vda.ovl-clean")); err != nil {
		t.Fatalf("save not written: %v", err)
	}
}

func TestRestoreRequiresShutOff(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)
	_, err := f.m.Restore(context.Background(), "vm1", "clean")
	if !errors.Is(err, ErrVMRunning) {
		t.Fatalf("restore: got %v, want ErrVMRunning", err)
	}
	var serr *StateError
	if !errors.As(err, &serr) || serr.VM != "vm1" {
		t.Fatalf("error = %#v, want StateError for vm1", err)
	}
}

func TestSaveDefaultLabelIsTimestamp(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)

	label, err := f.m.Save(context.Background(), "vm1", "")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := time.Parse(saveLabelFormat, label); err != nil {
		t.Fatalf("label %q is not a timestamp: %v", label, err)
	}
}

func TestRestoreLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)

	if _, err := f.m.Save(ctx, "vm1", "older"); err != nil {
		t.Fatalf("save older: %v", err)
	}
	// Push the second save's mtime forward so ordering is unambiguous.
	if _, err := f.m.Save(ctx, "vm1", "newer"); err != nil {
		t.Fatalf("save newer: %v", err)
	}
	future := time.Now().Add(time.Hour)
	for _, disk := range []string{"vda", "vdb"} {
		path := filepath.Join(f.dir, "rh124-vm1-"+disk+".ovl-newer")
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	restored, err := f.m.Restore(ctx, "vm1", "")
	if err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if restored != "newer" {
		t.Fatalf("restored %q, want newer", restored)
	}

	saves, err := f.m.ListSaves(ctx, "vm1")
	if err != nil {
		t.Fatalf("list saves: %v", err)
	}
	if len(saves) != 2 || saves[0].Label != "older" || saves[1].Label != "newer" {
		t.Fatalf("saves = %+v", saves)
	}
}

func TestRestoreUnknownLabel(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)
	if _, err := f.m.Restore(context.Background(), "vm1", "ghost"); !errors.Is(err, ErrNoSave) {
		t.Fatalf("got %v, want ErrNoSave", err)
	}
	if _, err := f.m.Restore(context.Background(), "vm1", ""); !errors.Is(err, ErrNoSave) {
		t.Fatalf("restore latest with no saves: got %v, want ErrNoSave", err)
	}
}

func TestDeleteSave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)

	if _, err := f.m.Save(ctx, "vm1", "clean"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.m.DeleteSave(ctx, "vm1", "clean"); err != nil {
		t.Fatalf("delete save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "rh124-vm1-vda.ovl-clean")); !os.IsNotExist(err) {
		t.Fatal("save file survived deletion")
	}
	if err := f.m.DeleteSave(ctx, "vm1", "clean"); !errors.Is(err, ErrNoSave) {
		t.Fatalf("second delete: got %v, want ErrNoSave", err)
	}
}

func TestResetRecreatesOverlays(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)

	if err := f.m.Reset(context.Background(), "vm1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if f.driver.destroys != 1 {
		t.Fatalf("running vm not powered off before reset")
	}
	data, _ := os.ReadFile(filepath.Join(f.dir, "rh124-vm1-vda.ovl"))
	if string(data) != "overlay of rh124-vm1-vda.qcow2" {
		t.Fatalf("overlay not recreated: %q", data)
	}
}

func TestResetMissingMaster(t *testing.T) {
	f := newFixture(t)
	f.provision(t)
	os.Remove(filepath.Join(f.dir, "rh124-vm1-vda.qcow2"))
	if err := f.m.Reset(context.Background(), "vm1"); !errors.Is(err, ErrMissingMaster) {
		t.Fatalf("got %v, want ErrMissingMaster", err)
	}
}

func TestFullResetRefetchesAndDropsSaves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateShutOff)
	if _, err := f.m.Save(ctx, "vm1", "stale"); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := f.m.FullReset(ctx, "vm1"); err != nil {
		t.Fatalf("fullreset: %v", err)
	}
	if len(f.fetch.fetched) != 3 {
		t.Fatalf("fetched = %v, want xml and both masters", f.fetch.fetched)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "rh124-vm1-vda.ovl-stale")); !os.IsNotExist(err) {
		t.Fatal("save survived fullreset")
	}
	data, _ := os.ReadFile(filepath.Join(f.dir, "rh124-vm1-vda.qcow2"))
	if string(data) != "master vda" {
		t.Fatalf("master = %q", data)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)

	if err := f.m.Remove(ctx, "vm1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.driver.undefines != 1 {
		t.Fatalf("undefines = %d, want 1", f.driver.undefines)
	}
	entries, _ := os.ReadDir(f.dir)
	for _, e := range entries {
		t.Errorf("leftover file %s", e.Name())
	}
}

func TestRemoveInfraRefused(t *testing.T) {
	f := newFixture(t)
	if err := f.m.Remove(context.Background(), "vm0"); !errors.Is(err, ErrProtected) {
		t.Fatalf("got %v, want ErrProtected", err)
	}
}

func TestOperationsFailWhileLocked(t *testing.T) {
	f := newFixture(t)
	f.provision(t)

	lock, err := lockfile.NewCoordinator(f.dir).Acquire("rh124-vm1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if err := f.m.Start(context.Background(), "vm1"); !errors.Is(err, lockfile.ErrLockHeld) {
		t.Fatalf("start: got %v, want ErrLockHeld", err)
	}
	if _, err := f.m.Save(context.Background(), "vm1", "x"); !errors.Is(err, lockfile.ErrLockHeld) {
		t.Fatalf("save: got %v, want ErrLockHeld", err)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provision(t)
	f.driver.set("rh124-vm1", virt.StateRunning)

	st, err := f.m.Status(ctx, "vm1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != virt.StateRunning || !st.Overlays || st.Locked {
		t.Fatalf("status = %+v", st)
	}

	// A VM that was never fetched still reports.
	st, err = f.m.Status(ctx, "vm2")
	if err != nil {
		t.Fatalf("status vm2: %v", err)
	}
	if st.State != virt.StateUndefined || st.Overlays {
		t.Fatalf("status vm2 = %+v", st)
	}
}
