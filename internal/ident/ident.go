// Package ident defines the keys shared by every per-VM component:
// the VM identity and the opaque client session token.
package ident

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity is the globally unique key of a VM: the VM uuid together with
// the uuid of the VM directory it is registered in.
type Identity struct {
	VMUUID  uuid.UUID
	DirUUID uuid.UUID
}

// New returns the identity for the given VM and directory uuids.
func New(vm, dir uuid.UUID) Identity {
	return Identity{VMUUID: vm, DirUUID: dir}
}

// String renders the identity as "vm@dir".
func (i Identity) String() string {
	return i.VMUUID.String() + "@" + i.DirUUID.String()
}

// IsZero reports whether the VM half of the identity is unset.
func (i Identity) IsZero() bool {
	return i.VMUUID == uuid.Nil
}

// Less orders identities by VM uuid, then directory uuid.
func (i Identity) Less(o Identity) bool {
	if c := strings.Compare(i.VMUUID.String(), o.VMUUID.String()); c != 0 {
		return c < 0
	}
	return i.DirUUID.String() < o.DirUUID.String()
}

// Parse parses the "vm@dir" form produced by String.
func Parse(s string) (Identity, error) {
	vm, dir, ok := strings.Cut(s, "@")
	if !ok {
		return Identity{}, fmt.Errorf("invalid identity %q: expected vm@dir", s)
	}
	vmID, err := uuid.Parse(vm)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid vm uuid in %q: %w", s, err)
	}
	dirID, err := uuid.Parse(dir)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid directory uuid in %q: %w", s, err)
	}
	return Identity{VMUUID: vmID, DirUUID: dirID}, nil
}

// MarshalText renders the identity in its String form.
func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText parses the String form.
func (i *Identity) UnmarshalText(text []byte) error {
	id, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = id
	return nil
}

// Session identifies a client session. Only equality is meaningful.
type Session string

// NoSession is the zero session, used by operations that are not tied to
// a client connection.
const NoSession Session = ""

// DispatcherSession owns records the dispatcher registers on its own
// behalf, such as the StartEx record held while a VM runs.
const DispatcherSession Session = "dispatcher"
