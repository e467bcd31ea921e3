package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository stores inventory rows. Registry caches it; tests substitute
// an in-memory map.
type Repository interface {
	// GetByID fails with ErrDeviceNotFound for an unknown id.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List returns every row, ordered by id.
	List(ctx context.Context) ([]Device, error)

	// Create fails with ErrDeviceExists when the id or BLE address is taken.
	Create(ctx context.Context, device *Device) error

	// Update, Delete and UpdateLastSeen fail with ErrDeviceNotFound when
	// no row has the id.
	Update(ctx context.Context, device *Device) error
	Delete(ctx context.Context, id string) error

	// UpdateLastSeen stamps the latest successful BLE connect.
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

const deviceColumns = `id, name, address, category, product_id, protocol_version,
	last_seen_at, created_at, updated_at`

// SQLiteRepository is the Repository over the devices table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps db, which must carry the devices table from package migrations.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Name,
		d.Address,
		d.Category,
		d.ProductID,
		d.ProtocolVersion,
		nullableTime(d.LastSeenAt),
		d.CreatedAt.Format(time.RFC3339),
		d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			name = ?, address = ?, category = ?, product_id = ?,
			protocol_version = ?, updated_at = ?
		WHERE id = ?`,
		d.Name,
		d.Address,
		d.Category,
		d.ProductID,
		d.ProtocolVersion,
		d.UpdatedAt.Format(time.RFC3339),
		d.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: address %s", ErrDeviceExists, d.Address)
		}
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen_at = ? WHERE id = ?",
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is *sql.Row or *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Address,
		&d.Category,
		&d.ProductID,
		&d.ProtocolVersion,
		&lastSeen,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	// Timestamps are written by this package in RFC3339.
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.LastSeenAt = &t
		}
	}
	return &d, nil
}

// nullableTime stores a missing last-seen time as NULL.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError reports a primary key or unique index violation.
func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
