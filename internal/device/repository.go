package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository persists records. Implementations must make a returned Upsert
// durable: a restart observes the last completed call.
type Repository interface {
	// GetByID returns ErrNotFound if id is absent.
	GetByID(ctx context.Context, id string) (*Record, error)

	// List returns every record, ordered by name.
	List(ctx context.Context) ([]Record, error)

	// Create inserts rec. Returns ErrExists if the id or name is taken.
	Create(ctx context.Context, rec *Record) error

	// Upsert inserts rec or replaces the row with the same id.
	Upsert(ctx context.Context, rec *Record) error
}

// SQLiteRepository implements Repository on the systems table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository using db, which must already be
// migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const recordColumns = `id, name, backend, address, credentials, power_state,
	last_checked_at, pending_state, pending_apply_at,
	boot_device, boot_mode, secure_boot, boot_images, nics,
	created_at, updated_at`

// GetByID retrieves a record by identity.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM systems WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying system by id: %w", err)
	}
	return rec, nil
}

// List retrieves all records ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM systems ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying systems: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning system: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating systems: %w", err)
	}
	return records, nil
}

// Create inserts a new record.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO systems (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrExists, rec.ID)
		}
		return fmt.Errorf("inserting system: %w", err)
	}
	return nil
}

// Upsert writes every column of rec, inserting the row if needed.
// created_at is preserved on update.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec *Record) error {
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO systems (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			backend = excluded.backend,
			address = excluded.address,
			credentials = excluded.credentials,
			power_state = excluded.power_state,
			last_checked_at = excluded.last_checked_at,
			pending_state = excluded.pending_state,
			pending_apply_at = excluded.pending_apply_at,
			boot_device = excluded.boot_device,
			boot_mode = excluded.boot_mode,
			secure_boot = excluded.secure_boot,
			boot_images = excluded.boot_images,
			nics = excluded.nics,
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: name %q", ErrExists, rec.Name)
		}
		return fmt.Errorf("upserting system: %w", err)
	}
	return nil
}

// recordArgs flattens rec into the column order of recordColumns.
func recordArgs(rec *Record) ([]any, error) {
	credsJSON, err := json.Marshal(rec.Credentials)
	if err != nil {
		return nil, fmt.Errorf("marshalling credentials: %w", err)
	}

	images := rec.BootImages
	if images == nil {
		images = map[string]BootImage{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("marshalling boot images: %w", err)
	}

	nics := rec.NICs
	if nics == nil {
		nics = []NIC{}
	}
	nicsJSON, err := json.Marshal(nics)
	if err != nil {
		return nil, fmt.Errorf("marshalling nics: %w", err)
	}

	var pendingState, pendingApplyAt sql.NullString
	if rec.Pending != nil {
		pendingState = sql.NullString{String: string(rec.Pending.Target), Valid: true}
		pendingApplyAt = nullableTime(&rec.Pending.ApplyAt)
	}

	return []any{
		rec.ID,
		rec.Name,
		string(rec.Backend),
		rec.Address,
		string(credsJSON),
		string(rec.PowerState),
		nullableTime(rec.LastCheckedAt),
		pendingState,
		pendingApplyAt,
		nullableString(rec.BootDevice),
		nullableString(rec.BootMode),
		boolToInt(rec.SecureBoot),
		string(imagesJSON),
		string(nicsJSON),
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
	}, nil
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*Record, error) {
	var rec Record
	var backend, powerState, credsJSON, imagesJSON, nicsJSON string
	var lastChecked, pendingState, pendingApplyAt, bootDevice, bootMode sql.NullString
	var secureBoot int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.Name,
		&backend,
		&rec.Address,
		&credsJSON,
		&powerState,
		&lastChecked,
		&pendingState,
		&pendingApplyAt,
		&bootDevice,
		&bootMode,
		&secureBoot,
		&imagesJSON,
		&nicsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Backend = Backend(backend)
	rec.PowerState = PowerState(powerState)
	rec.BootDevice = bootDevice.String
	rec.BootMode = bootMode.String
	rec.SecureBoot = secureBoot != 0

	if rec.LastCheckedAt, err = parseNullableTime(lastChecked); err != nil {
		return nil, fmt.Errorf("parsing last_checked_at: %w", err)
	}
	if pendingState.Valid {
		applyAt, err := parseNullableTime(pendingApplyAt)
		if err != nil {
			return nil, fmt.Errorf("parsing pending_apply_at: %w", err)
		}
		if applyAt == nil {
			return nil, fmt.Errorf("pending_state %q without pending_apply_at", pendingState.String)
		}
		rec.Pending = &PendingTransition{Target: PowerState(pendingState.String), ApplyAt: *applyAt}
	}

	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if err := json.Unmarshal([]byte(credsJSON), &rec.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshalling credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(imagesJSON), &rec.BootImages); err != nil {
		return nil, fmt.Errorf("unmarshalling boot_images: %w", err)
	}
	if len(rec.BootImages) == 0 {
		rec.BootImages = nil
	}
	if err := json.Unmarshal([]byte(nicsJSON), &rec.NICs); err != nil {
		return nil, fmt.Errorf("unmarshalling nics: %w", err)
	}
	if len(rec.NICs) == 0 {
		rec.NICs = nil
	}

	return &rec, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableTime stores sub-second precision so staleness arithmetic
// survives a round trip.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
