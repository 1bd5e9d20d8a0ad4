package exclusive

import (
	"errors"
	"fmt"

	"github.com/jbweber/crucible/internal/ident"
)

// Code is a stable, versioned identifier for a conflict reason. Clients
// match on it to tell "busy cloning" apart from "busy migrating".
type Code string

const (
	CodeLockedForClone            Code = "v1/vm/locked-for-clone"
	CodeLockedForDelete           Code = "v1/vm/locked-for-delete"
	CodeLockedForUnregister       Code = "v1/vm/locked-for-unregister"
	CodeLockedForEditCommit       Code = "v1/vm/locked-for-edit-commit"
	CodeLockedForStart            Code = "v1/vm/locked-for-start"
	CodeLockedForStartEx          Code = "v1/vm/locked-for-start-ex"
	CodeLockedForMigrate          Code = "v1/vm/locked-for-migrate"
	CodeLockedForEditRename       Code = "v1/vm/locked-for-edit-rename"
	CodeLockedForUpdateSecurity   Code = "v1/vm/locked-for-update-security"
	CodeLockedForHardwareChange   Code = "v1/vm/locked-for-hardware-change"
	CodeLockedForCreateSnapshot   Code = "v1/vm/locked-for-create-snapshot"
	CodeLockedForSwitchToSnapshot Code = "v1/vm/locked-for-switch-to-snapshot"
	CodeLockedForDeleteSnapshot   Code = "v1/vm/locked-for-delete-snapshot"
	CodeLockedForBackup           Code = "v1/vm/locked-for-backup"
	CodeLockedForRestoreBackup    Code = "v1/vm/locked-for-restore-backup"
	CodeExclusivelyLocked         Code = "v1/vm/exclusively-locked"
	CodeLockedForDiskResize       Code = "v1/vm/locked-for-disk-resize"
	CodeLockedForCompact          Code = "v1/vm/locked-for-compact"
	CodeLockedForConvertDisks     Code = "v1/vm/locked-for-convert-disks"
	CodeLockedForFirewallChange   Code = "v1/vm/locked-for-firewall-change"
	CodeLockedForCopyImage        Code = "v1/vm/locked-for-copy-image"
	CodeLockedForMove             Code = "v1/vm/locked-for-move"
	CodeLockedInternal            Code = "v1/vm/locked-internal-reason"
)

var conflictCodes = map[Kind]Code{
	Clone:                   CodeLockedForClone,
	CloneLinked:             CodeLockedForClone,
	Delete:                  CodeLockedForDelete,
	Unregister:              CodeLockedForUnregister,
	EditCommit:              CodeLockedForEditCommit,
	Start:                   CodeLockedForStart,
	Resume:                  CodeLockedForStart,
	StartEx:                 CodeLockedForStartEx,
	Migrate:                 CodeLockedForMigrate,
	MigrateClone:            CodeLockedForMigrate,
	EditWithRename:          CodeLockedForEditRename,
	UpdateSecurity:          CodeLockedForUpdateSecurity,
	EditWithHardwareChanged: CodeLockedForHardwareChange,
	BootcampReconfigure:     CodeLockedForHardwareChange,
	CreateSnapshot:          CodeLockedForCreateSnapshot,
	SwitchToSnapshot:        CodeLockedForSwitchToSnapshot,
	DeleteSnapshot:          CodeLockedForDeleteSnapshot,
	CommitDiskUnfinished:    CodeLockedForDeleteSnapshot,
	CreateBackup:            CodeLockedForBackup,
	RestoreBackup:           CodeLockedForRestoreBackup,
	Lock:                    CodeExclusivelyLocked,
	ResizeDisk:              CodeLockedForDiskResize,
	Compact:                 CodeLockedForCompact,
	ConvertDisks:            CodeLockedForConvertDisks,
	EditFirewall:            CodeLockedForFirewallChange,
	CopyImage:               CodeLockedForCopyImage,
	Move:                    CodeLockedForMove,
	Mount:                   CodeLockedInternal,
	Umount:                  CodeLockedInternal,
	DropSuspendedState:      CodeLockedInternal,
	UpdateSnapshotData:      CodeLockedInternal,
}

// CodeFor returns the conflict code reported when an operation of kind k
// blocks another one. It panics for a value outside the kind enum: that
// is a programming defect, and Register recovers it into an error.
func CodeFor(k Kind) Code {
	code, ok := conflictCodes[k]
	if !ok {
		panic(fmt.Sprintf("exclusive: no conflict code for %s", k))
	}
	return code
}

var (
	// ErrConflict matches every *ConflictError via errors.Is.
	ErrConflict = errors.New("vm operation conflict")
	// ErrWouldBlock means the blocking operation did not finish within the
	// admission budget. Callers should retry the whole operation later.
	ErrWouldBlock = errors.New("vm operation would block")
	// ErrNotRegistered means an unregister found no matching record.
	ErrNotRegistered = errors.New("vm operation is not registered")
	// ErrNotLocked means a Lock unregister found no Lock record.
	ErrNotLocked = errors.New("vm is not locked")
	// ErrNotLockOwner means a session tried to release another session's lock.
	ErrNotLockOwner = errors.New("session is not the vm lock owner")
	// ErrUnknownKind is returned for a kind outside the enum.
	ErrUnknownKind = errors.New("unknown operation kind")
)

// ConflictError reports that an admitted operation blocks the requested one.
type ConflictError struct {
	Identity        ident.Identity
	Requested       Kind
	Blocking        Kind
	BlockingSession ident.Session
	Code            Code
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("vm %s: %s rejected, locked by %s (%s)", e.Identity, e.Requested, e.Blocking, e.Code)
}

// Is makes errors.Is(err, ErrConflict) true for every ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
