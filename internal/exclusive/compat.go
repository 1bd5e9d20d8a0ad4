package exclusive

import "github.com/jbweber/crucible/internal/ident"

// Verdict is the outcome of comparing an admitted record with an incoming one.
type Verdict int

const (
	// Incompatible rejects the incoming operation immediately.
	Incompatible Verdict = iota
	// Compatible lets both operations run together.
	Compatible
	// Indeterminate means the incoming operation should wait for the
	// admitted one to finish, then be re-evaluated.
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Compatible:
		return "compatible"
	case Indeterminate:
		return "indeterminate"
	default:
		return "incompatible"
	}
}

// Record is one admitted operation on a VM.
type Record struct {
	Kind    Kind
	Session ident.Session
	TaskID  string
}

type kindSet map[Kind]bool

func newKindSet(kinds ...Kind) kindSet {
	s := make(kindSet, len(kinds))
	for _, k := range kinds {
		s[k] = true
	}
	return s
}

var (
	// Kinds that may not overlap a backup or a restore.
	backupConflicts = newKindSet(
		CreateBackup, RestoreBackup, Delete, Migrate, MigrateClone, Unregister,
		Compact, ResizeDisk, EditWithRename, ConvertDisks, Move,
	)

	// Kinds that may not overlap a snapshot tree operation.
	snapshotConflicts = newKindSet(
		Clone, CloneLinked, Migrate, MigrateClone, Delete, Unregister, EditCommit,
		EditWithRename, EditWithHardwareChanged, EditFirewall, CreateBackup,
		RestoreBackup, ResizeDisk, Compact, ConvertDisks, CopyImage, Move,
	)

	// Kinds that may run many times concurrently on one VM.
	sharedKinds = newKindSet(Clone, CloneLinked, EditCommit, CopyImage, MigrateClone)

	// Short config-only operations. Anything they block waits for them.
	shortLived = newKindSet(
		EditCommit, EditWithRename, UpdateSecurity, DropSuspendedState,
		UpdateSnapshotData, Umount,
	)

	// Config changes that only conflict with a VM being started.
	offlineEdits = newKindSet(EditWithHardwareChanged, EditFirewall, BootcampReconfigure)
)

// pair is an ordered (existing, incoming) kind combination.
type pair struct{ existing, incoming Kind }

// compatiblePairs lists ordered pairs that may run together.
var compatiblePairs = map[pair]bool{
	{EditCommit, Start}:        true,
	{EditCommit, StartEx}:      true,
	{EditCommit, Resume}:       true,
	{Start, EditCommit}:        true,
	{StartEx, EditCommit}:      true,
	{Resume, EditCommit}:       true,

	{EditCommit, EditWithRename}: true,
	{EditWithRename, EditCommit}: true,

	{Start, Migrate}:        true,
	{StartEx, Migrate}:      true,
	{Start, MigrateClone}:   true,
	{StartEx, MigrateClone}: true,
	{Start, CreateBackup}:   true,
	{StartEx, CreateBackup}: true,
	{Start, Compact}:        true,
	{StartEx, Compact}:      true,
	{Compact, Start}:        true,
	{Compact, EditCommit}:   true,

	// StartEx is registered by the dispatcher itself once the VM runs.
	{Start, StartEx}:  true,
	{Resume, StartEx}: true,
	{Lock, StartEx}:   true,
	{StartEx, Resume}: true,
}

// Reconcile decides whether incoming may be admitted next to existing.
// It is total over the kind enum; unlisted pairs are Incompatible.
func Reconcile(existing, incoming Record) Verdict {
	e, in := existing.Kind, incoming.Kind
	sameSession := existing.Session == incoming.Session
	sameTask := existing.TaskID != "" && existing.TaskID == incoming.TaskID

	// Hard conflicts are never waited on.
	switch {
	case e == RestoreBackup && (in.IsStart() || in.IsSnapshot()):
		return Incompatible
	case in == RestoreBackup && e.IsStart():
		return Incompatible
	case e == Lock && in == StartEx:
		return Compatible
	case e == Lock && !sameSession:
		return Incompatible
	case e == Lock:
		return Compatible
	}

	if e == in {
		if sharedKinds[e] {
			return Compatible
		}
		return waitOrReject(e)
	}

	if in == Lock && (sameSession || e.IsStart()) {
		return Compatible
	}
	if e.IsClone() && in.IsClone() {
		return Compatible
	}
	if compatiblePairs[pair{e, in}] {
		return Compatible
	}
	if (offlineEdits[in] && !e.IsStart()) || (offlineEdits[e] && !in.IsStart()) {
		return Compatible
	}
	if sameTask {
		switch {
		case e == CreateSnapshot && in == Start,
			e == CreateBackup && in == CreateSnapshot,
			e == ResizeDisk && in == EditCommit,
			e == EditCommit && in == ResizeDisk:
			return Compatible
		}
	}

	switch {
	case in == RestoreBackup:
		return verdictFor(!backupConflicts[e])
	case e == CreateBackup:
		return verdictFor(!backupConflicts[in])
	case e == RestoreBackup:
		return verdictFor(!backupConflicts[in])
	case in.IsSnapshot():
		if snapshotConflicts[e] {
			return waitOrReject(e)
		}
		return Compatible
	}

	return waitOrReject(e)
}

func verdictFor(ok bool) Verdict {
	if ok {
		return Compatible
	}
	return Incompatible
}

func waitOrReject(existing Kind) Verdict {
	if shortLived[existing] {
		return Indeterminate
	}
	return Incompatible
}
