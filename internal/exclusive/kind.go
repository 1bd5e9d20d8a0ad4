package exclusive

import "fmt"

// Kind is the command kind of an exclusive VM operation.
type Kind int

// Operation kinds. The set is closed; every value below has an entry in
// kindNames and in the conflict code table.
const (
	Clone Kind = iota + 1
	CloneLinked
	Migrate
	MigrateClone
	Delete
	Unregister
	Start
	StartEx
	Resume
	EditCommit
	DropSuspendedState
	EditWithRename
	UpdateSecurity
	EditWithHardwareChanged
	EditFirewall
	BootcampReconfigure
	CreateSnapshot
	SwitchToSnapshot
	DeleteSnapshot
	CreateBackup
	RestoreBackup
	ResizeDisk
	Compact
	Lock
	UpdateSnapshotData
	ConvertDisks
	Mount
	Umount
	CopyImage
	Move
	CommitDiskUnfinished

	kindCount = iota
)

var kindNames = map[Kind]string{
	Clone:                   "clone",
	CloneLinked:             "clone-linked",
	Migrate:                 "migrate",
	MigrateClone:            "migrate-clone",
	Delete:                  "delete",
	Unregister:              "unregister",
	Start:                   "start",
	StartEx:                 "start-ex",
	Resume:                  "resume",
	EditCommit:              "edit-commit",
	DropSuspendedState:      "drop-suspended-state",
	EditWithRename:          "edit-with-rename",
	UpdateSecurity:          "update-security",
	EditWithHardwareChanged: "edit-hardware-changed",
	EditFirewall:            "edit-firewall",
	BootcampReconfigure:     "bootcamp-reconfigure",
	CreateSnapshot:          "create-snapshot",
	SwitchToSnapshot:        "switch-to-snapshot",
	DeleteSnapshot:          "delete-snapshot",
	CreateBackup:            "create-backup",
	RestoreBackup:           "restore-backup",
	ResizeDisk:              "resize-disk",
	Compact:                 "compact",
	Lock:                    "lock",
	UpdateSnapshotData:      "update-snapshot-data",
	ConvertDisks:            "convert-disks",
	Mount:                   "mount",
	Umount:                  "umount",
	CopyImage:               "copy-image",
	Move:                    "move",
	CommitDiskUnfinished:    "commit-disk-unfinished",
}

// AllKinds returns every defined kind in declaration order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Clone; k <= CommitDiskUnfinished; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind returns the kind whose String form is name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// IsStart reports whether k starts or keeps a VM running.
func (k Kind) IsStart() bool {
	return k == Start || k == StartEx || k == Resume
}

// IsClone reports whether k is one of the clone variants.
func (k Kind) IsClone() bool {
	return k == Clone || k == CloneLinked
}

// IsSnapshot reports whether k operates on the snapshot tree.
func (k Kind) IsSnapshot() bool {
	switch k {
	case CreateSnapshot, DeleteSnapshot, SwitchToSnapshot, UpdateSnapshotData, CommitDiskUnfinished:
		return true
	}
	return false
}
