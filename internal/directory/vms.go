package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/crucible/internal/ident"
)

const timeLayout = time.RFC3339Nano

// ErrNotFound is returned when no row exists for an identity.
var ErrNotFound = errors.New("vm not in directory")

var errNilStore = errors.New("directory store is nil")

// Entry is one registered VM.
type Entry struct {
	ID        ident.Identity
	Name      string
	Home      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Put inserts or updates the row of e.ID. CreatedAt is kept on update.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	if e.ID.IsZero() {
		return errors.New("vm uuid is required")
	}
	now := time.Now().UTC()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO vms (vm_uuid, dir_uuid, name, home, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (vm_uuid, dir_uuid) DO UPDATE SET
			name = excluded.name,
			home = excluded.home,
			updated_at = excluded.updated_at`,
		e.ID.VMUUID.String(),
		e.ID.DirUUID.String(),
		e.Name,
		e.Home,
		formatTime(createdAt),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to put vm %s: %w", e.ID, err)
	}
	return nil
}

// Get loads the row of id.
func (s *Store) Get(ctx context.Context, id ident.Identity) (Entry, error) {
	if s == nil || s.DB == nil {
		return Entry{}, errNilStore
	}
	row := s.DB.QueryRowContext(ctx, `SELECT vm_uuid, dir_uuid, name, home, created_at, updated_at
		FROM vms WHERE vm_uuid = ? AND dir_uuid = ?`, id.VMUUID.String(), id.DirUUID.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("failed to get vm %s: %w", id, ErrNotFound)
	}
	return e, err
}

// FindByVM returns every row registered for a VM uuid, in any directory.
func (s *Store) FindByVM(ctx context.Context, vm uuid.UUID) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	return s.query(ctx, `SELECT vm_uuid, dir_uuid, name, home, created_at, updated_at
		FROM vms WHERE vm_uuid = ? ORDER BY dir_uuid`, vm.String())
}

// Delete removes the row of id.
func (s *Store) Delete(ctx context.Context, id ident.Identity) error {
	if s == nil || s.DB == nil {
		return errNilStore
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM vms WHERE vm_uuid = ? AND dir_uuid = ?`,
		id.VMUUID.String(), id.DirUUID.String())
	if err != nil {
		return fmt.Errorf("failed to delete vm %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete vm %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to delete vm %s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns every row ordered by vm uuid then directory uuid.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	return s.query(ctx, `SELECT vm_uuid, dir_uuid, name, home, created_at, updated_at
		FROM vms ORDER BY vm_uuid, dir_uuid`)
}

// ListDirectory returns the rows of one directory.
func (s *Store) ListDirectory(ctx context.Context, dir uuid.UUID) ([]Entry, error) {
	if s == nil || s.DB == nil {
		return nil, errNilStore
	}
	return s.query(ctx, `SELECT vm_uuid, dir_uuid, name, home, created_at, updated_at
		FROM vms WHERE dir_uuid = ? ORDER BY vm_uuid`, dir.String())
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vms: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		vmStr, dirStr        string
		e                    Entry
		createdAt, updatedAt string
	)
	if err := row.Scan(&vmStr, &dirStr, &e.Name, &e.Home, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("failed to scan vm: %w", err)
	}

	id, err := ident.Parse(vmStr + "@" + dirStr)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to scan vm: %w", err)
	}
	e.ID = id

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Entry{}, fmt.Errorf("failed to parse created_at of %s: %w", id, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Entry{}, fmt.Errorf("failed to parse updated_at of %s: %w", id, err)
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}
