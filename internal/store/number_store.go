package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/textdesk/textdesk/internal/domain"
)

// NumberStore manages tenant-owned routable numbers. Numbers are never hard
// deleted while messages reference them; Deactivate flips the active flag
// and lookups skip inactive rows.
type NumberStore struct {
	db *DB
}

// NewNumberStore creates a number store using the given database.
func NewNumberStore(db *DB) *NumberStore {
	return &NumberStore{db: db}
}

// Create provisions a routable number for a tenant. The address is
// normalized before storage so all future lookups compare equal.
func (s *NumberStore) Create(ctx context.Context, tenantID, address, assigneeID string) (domain.RoutableNumber, error) {
	normalized, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.RoutableNumber{}, err
	}

	now := time.Now().UTC()
	num := domain.RoutableNumber{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Address:    normalized,
		AssigneeID: assigneeID,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO numbers (id, tenant_id, address, assignee_id, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		num.ID, num.TenantID, num.Address, num.AssigneeID,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return domain.RoutableNumber{}, storageErr("create number", err)
	}
	return num, nil
}

// GetByAddress returns the active number owning a normalized address.
func (s *NumberStore) GetByAddress(ctx context.Context, address string) (domain.RoutableNumber, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, tenant_id, address, assignee_id, active, created_at, updated_at
		 FROM numbers WHERE address = ? AND active = 1`, address)
	return scanNumber(row)
}

// Get returns a number by id regardless of active state.
func (s *NumberStore) Get(ctx context.Context, id string) (domain.RoutableNumber, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, tenant_id, address, assignee_id, active, created_at, updated_at
		 FROM numbers WHERE id = ?`, id)
	return scanNumber(row)
}

// ListByTenant returns all of a tenant's numbers, active first.
func (s *NumberStore) ListByTenant(ctx context.Context, tenantID string) ([]domain.RoutableNumber, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, tenant_id, address, assignee_id, active, created_at, updated_at
		 FROM numbers WHERE tenant_id = ? ORDER BY active DESC, created_at ASC`, tenantID)
	if err != nil {
		return nil, storageErr("list numbers", err)
	}
	defer rows.Close()

	var nums []domain.RoutableNumber
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate numbers", err)
	}
	return nums, nil
}

// Assign sets (or clears, with an empty id) the number's assignee and
// returns the updated record.
func (s *NumberStore) Assign(ctx context.Context, numberID, assigneeID string) (domain.RoutableNumber, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE numbers SET assignee_id = ?, updated_at = ? WHERE id = ?`,
		assigneeID, time.Now().UTC().Format(timeLayout), numberID)
	if err != nil {
		return domain.RoutableNumber{}, storageErr("assign number", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.RoutableNumber{}, storageErr("assign number", err)
	}
	if n == 0 {
		return domain.RoutableNumber{}, ErrNotFound
	}
	return s.Get(ctx, numberID)
}

// Deactivate soft-deletes a number. Existing messages keep referencing it;
// it just stops resolving for new webhook traffic.
func (s *NumberStore) Deactivate(ctx context.Context, numberID string) error {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE numbers SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), numberID)
	if err != nil {
		return storageErr("deactivate number", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("deactivate number", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNumber(r rowScanner) (domain.RoutableNumber, error) {
	var n domain.RoutableNumber
	var active int
	var createdAt, updatedAt string
	err := r.Scan(&n.ID, &n.TenantID, &n.Address, &n.AssigneeID, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RoutableNumber{}, ErrNotFound
	}
	if err != nil {
		return domain.RoutableNumber{}, storageErr("scan number", err)
	}
	n.Active = active != 0
	n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.RoutableNumber{}, storageErr("scan number", fmt.Errorf("corrupt created_at %q on number %s: %w", createdAt, n.ID, err))
	}
	n.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.RoutableNumber{}, storageErr("scan number", fmt.Errorf("corrupt updated_at %q on number %s: %w", updatedAt, n.ID, err))
	}
	return n, nil
}
