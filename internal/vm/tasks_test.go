package vm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/crucible/internal/directory"
	"github.com/jbweber/crucible/internal/exclusive"
	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/status"
)

func TestEdit_CreatesAndUpdatesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)

	rec, err := f.mgr.Edit(ctx, id, "s1", map[string]string{"autostart": "true", "cpus": "2"})
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if rec.Generation != 1 {
		t.Errorf("expected generation 1, got %d", rec.Generation)
	}
	if rec.Directory != id.DirUUID.String() || rec.Home != "/srv/vms/web-01" {
		t.Errorf("unexpected fresh record %+v", rec)
	}

	rec, err = f.mgr.Edit(ctx, id, "s1", map[string]string{"cpus": ""})
	if err != nil {
		t.Fatalf("second Edit failed: %v", err)
	}
	if rec.Generation != 2 {
		t.Errorf("expected generation 2, got %d", rec.Generation)
	}
	if _, ok := rec.Config["cpus"]; ok {
		t.Error("expected cpus to be removed")
	}
	if rec.Config["autostart"] != "true" {
		t.Errorf("expected autostart to survive, got %q", rec.Config["autostart"])
	}

	f.mgr.Machines().Find(id).Do(func(m *status.Machine) {
		if want := id.String() + "#2"; m.ConfigRef() != want {
			t.Errorf("expected config ref %q, got %q", want, m.ConfigRef())
		}
	})
	assertKinds(t, f, id)
}

func TestEdit_StoreFailure(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)
	f.lv.setMetadataErr = errors.New("read-only connection")

	if _, err := f.mgr.Edit(context.Background(), id, "s1", map[string]string{"cpus": "2"}); err == nil {
		t.Fatal("expected error, got nil")
	}
	assertKinds(t, f, id)
}

func TestDelete_StoppedVM(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)

	if err := f.mgr.Delete(context.Background(), id, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if f.lv.undefineCalls != 1 {
		t.Errorf("expected 1 undefine call, got %d", f.lv.undefineCalls)
	}
	if len(f.dir.deleteCalls) != 1 || f.dir.deleteCalls[0] != id {
		t.Errorf("expected directory row removal for %s, got %v", id, f.dir.deleteCalls)
	}
	if _, _, undeclared := f.mgr.Machines().Membership(id); undeclared {
		t.Error("deleted vm should not linger as undeclared")
	}
	if _, defined, _ := f.mgr.Machines().Membership(id); defined {
		t.Error("deleted vm should not stay defined")
	}
	if _, ok := f.mgr.Resolve(id.VMUUID, ""); ok {
		t.Error("deleted vm should not resolve")
	}
}

func TestDelete_MissingDirectoryRow(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)
	f.dir.deleteFunc = func(context.Context, ident.Identity) error { return directory.ErrNotFound }

	if err := f.mgr.Delete(context.Background(), id, "s1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}

func TestDelete_ActiveVM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	t.Run("running vm conflicts with its running record", func(t *testing.T) {
		id := f.adopt(t, "web-01", domainStateRunning)
		err := f.mgr.Delete(ctx, id, "s1")
		if !errors.Is(err, exclusive.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("starting vm is active", func(t *testing.T) {
		id := f.adopt(t, "web-02", domainStateShutoff)
		f.mgr.Machines().Find(id).Do(func(m *status.Machine) {
			if err := request(m, status.Starting, "test"); err != nil {
				t.Fatal(err)
			}
		})

		err := f.mgr.Delete(ctx, id, "s1")
		if !errors.Is(err, ErrVMActive) {
			t.Fatalf("expected ErrVMActive, got %v", err)
		}
	})

	if f.lv.undefineCalls != 0 {
		t.Errorf("expected no undefine call, got %d", f.lv.undefineCalls)
	}
}

func TestCreateSnapshot(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateRunning)

	if err := f.mgr.CreateSnapshot(context.Background(), id, "s1", "nightly", "before upgrade"); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	if len(f.lv.createSnapshotCalls) != 1 {
		t.Fatalf("expected 1 snapshot call, got %d", len(f.lv.createSnapshotCalls))
	}
	xmlDesc := f.lv.createSnapshotCalls[0]
	if !strings.Contains(xmlDesc, "<name>nightly</name>") || !strings.Contains(xmlDesc, "<description>before upgrade</description>") {
		t.Errorf("unexpected snapshot XML: %s", xmlDesc)
	}
	if got := f.state(t, id); got != status.Running {
		t.Errorf("expected Running, got %s", got)
	}
	assertKinds(t, f, id, exclusive.StartEx)
}

func TestCreateSnapshot_FailureReverts(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)
	f.lv.createSnapshotFunc = func(libvirt.Domain, string) error { return errors.New("unsupported disk") }

	if err := f.mgr.CreateSnapshot(context.Background(), id, "s1", "nightly", ""); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := f.state(t, id); got != status.Stopped {
		t.Errorf("expected revert to Stopped, got %s", got)
	}
	assertKinds(t, f, id)
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	running := f.adopt(t, "web-01", domainStateRunning)
	stopped := f.adopt(t, "web-02", domainStateShutoff)

	if err := f.mgr.Migrate(ctx, running, "s1", "qemu+ssh://host-b/system"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := f.mgr.Migrate(ctx, stopped, "s1", "qemu+ssh://host-b/system"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	want := []migrateCall{
		{uri: "qemu+ssh://host-b/system", live: true},
		{uri: "qemu+ssh://host-b/system", live: false},
	}
	if len(f.lv.migrateCalls) != 2 || f.lv.migrateCalls[0] != want[0] || f.lv.migrateCalls[1] != want[1] {
		t.Errorf("migrate calls: got %+v, want %+v", f.lv.migrateCalls, want)
	}
	if got := f.state(t, running); got != status.Stopped {
		t.Errorf("expected migrated vm to be Stopped, got %s", got)
	}
	assertKinds(t, f, running)
}

func TestMigrate_FailureReverts(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateRunning)
	f.lv.migrateFunc = func(libvirt.Domain, string, bool) error { return errors.New("peer unreachable") }

	if err := f.mgr.Migrate(context.Background(), id, "s1", "qemu+ssh://host-b/system"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := f.state(t, id); got != status.Running {
		t.Errorf("expected revert to Running, got %s", got)
	}
	assertKinds(t, f, id, exclusive.StartEx)
}

func TestMigrate_RequiresURI(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateRunning)

	if err := f.mgr.Migrate(context.Background(), id, "s1", ""); err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(f.lv.migrateCalls) != 0 {
		t.Error("expected no migrate call")
	}
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)

	var home string
	err := f.mgr.Compact(ctx, id, "s1", func(_ context.Context, h string) error {
		home = h
		return nil
	})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if home != "/srv/vms/web-01" {
		t.Errorf("expected compaction of /srv/vms/web-01, got %q", home)
	}
	if got := f.state(t, id); got != status.Stopped {
		t.Errorf("expected Stopped, got %s", got)
	}

	err = f.mgr.Compact(ctx, id, "s1", func(context.Context, string) error {
		return errors.New("qemu-img failed")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := f.state(t, id); got != status.Stopped {
		t.Errorf("expected revert to Stopped, got %s", got)
	}
	assertKinds(t, f, id)
}

func TestCompact_RunningVM(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateRunning)

	called := false
	err := f.mgr.Compact(context.Background(), id, "s1", func(context.Context, string) error {
		called = true
		return nil
	})

	var te *status.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if called {
		t.Error("running vm should not be compacted")
	}
}

func TestMountUmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateShutoff)

	if err := f.mgr.Mount(ctx, id, "s1"); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if got := f.state(t, id); got != status.Mounted {
		t.Errorf("expected Mounted, got %s", got)
	}
	assertKinds(t, f, id, exclusive.Mount)

	if err := f.mgr.Start(ctx, id, "s2"); !errors.Is(err, exclusive.ErrConflict) {
		t.Errorf("expected Start to conflict with Mount, got %v", err)
	}

	if err := f.mgr.Umount(ctx, id, "s1"); err != nil {
		t.Fatalf("Umount failed: %v", err)
	}
	if got := f.state(t, id); got != status.Stopped {
		t.Errorf("expected Stopped, got %s", got)
	}
	assertKinds(t, f, id)
}

func TestMount_RunningVM(t *testing.T) {
	f := newFixture(t)
	id := f.adopt(t, "web-01", domainStateRunning)

	if err := f.mgr.Mount(context.Background(), id, "s1"); err == nil {
		t.Fatal("expected error, got nil")
	}
	assertKinds(t, f, id, exclusive.StartEx)
}
