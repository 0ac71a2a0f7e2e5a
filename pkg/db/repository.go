package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/isoflash/isoflash/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by updates of a missing row.
var ErrNotFound = errors.New("record not found")

const burnColumns = `id, image_path, image_sha256, device_path, device_label, strategy, status,
	bytes_written, verified, error_message, created_at, updated_at, finished_at`

const imageColumns = `id, path, size_bytes, sha256, volume_label, is_bootable, is_uefi, is_hybrid,
	source, s3_key, created_at, updated_at`

// Repository stores burn history and the image catalog
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the database at dbPath
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Single writer; sqlite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBurn(row scanner) (*Burn, error) {
	var b Burn
	var sha, label, errorMessage, finishedAt sql.NullString
	if err := row.Scan(&b.ID, &b.ImagePath, &sha, &b.DevicePath, &label, &b.Strategy, &b.Status,
		&b.BytesWritten, &b.Verified, &errorMessage, &b.CreatedAt, &b.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	b.ImageSHA256 = sha.String
	b.DeviceLabel = label.String
	b.ErrorMessage = errorMessage.String
	b.FinishedAt = finishedAt.String
	return &b, nil
}

func scanImage(row scanner) (*Image, error) {
	var img Image
	var sha, label, s3Key sql.NullString
	if err := row.Scan(&img.ID, &img.Path, &img.SizeBytes, &sha, &label, &img.IsBootable, &img.IsUEFI,
		&img.IsHybrid, &img.Source, &s3Key, &img.CreatedAt, &img.UpdatedAt); err != nil {
		return nil, err
	}
	img.SHA256 = sha.String
	img.VolumeLabel = label.String
	img.S3Key = s3Key.String
	return &img, nil
}

// CreateBurn inserts a burn, assigning an id and pending status when unset
func (r *Repository) CreateBurn(ctx context.Context, b *Burn) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	slog.Info("database_create_burn", "burn_id", b.ID, "image", b.ImagePath, "device", b.DevicePath)

	query := `
		INSERT INTO burns (id, image_path, image_sha256, device_path, device_label, strategy, status,
		                   bytes_written, verified, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.ImagePath, b.ImageSHA256, b.DevicePath, b.DeviceLabel, b.Strategy, b.Status,
		b.BytesWritten, b.Verified, b.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "burn_id", b.ID, "error", err)
		return errors.Wrap(err, "failed to insert burn")
	}

	slog.Info("database_burn_created", "burn_id", b.ID, "status", b.Status)
	return nil
}

// GetBurn returns the burn with id, or nil when there is none
func (r *Repository) GetBurn(ctx context.Context, id string) (*Burn, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+burnColumns+` FROM burns WHERE id = ?`, id)
	b, err := scanBurn(row)
	if err == sql.ErrNoRows {
		slog.Info("database_burn_not_found", "burn_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "burn_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query burn")
	}
	return b, nil
}

// UpdateBurnStatus sets status and error message; terminal statuses also
// stamp finished_at.
func (r *Repository) UpdateBurnStatus(ctx context.Context, id, status, errorMessage string) error {
	slog.Info("database_update_burn_status", "burn_id", id, "status", status)

	query := `UPDATE burns SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP,
		finished_at = CASE WHEN ? THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, status, errorMessage, IsTerminal(status), id)
	if err != nil {
		slog.Error("database_status_update_failed", "burn_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update burn status")
	}
	return expectRow(result, "burn", id)
}

// UpdateBurn writes every mutable field of b
func (r *Repository) UpdateBurn(ctx context.Context, b *Burn) error {
	slog.Info("database_update_burn", "burn_id", b.ID, "status", b.Status, "bytes_written", b.BytesWritten)

	query := `
		UPDATE burns
		SET image_sha256 = ?, device_label = ?, status = ?, bytes_written = ?, verified = ?,
		    error_message = ?, updated_at = CURRENT_TIMESTAMP,
		    finished_at = CASE WHEN ? THEN COALESCE(finished_at, CURRENT_TIMESTAMP) ELSE finished_at END
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		b.ImageSHA256, b.DeviceLabel, b.Status, b.BytesWritten, b.Verified,
		b.ErrorMessage, IsTerminal(b.Status), b.ID)
	if err != nil {
		slog.Error("database_update_failed", "burn_id", b.ID, "error", err)
		return errors.Wrap(err, "failed to update burn")
	}
	return expectRow(result, "burn", b.ID)
}

// ListBurns returns the newest burns first; limit <= 0 returns all
func (r *Repository) ListBurns(ctx context.Context, limit int) ([]*Burn, error) {
	query := `SELECT ` + burnColumns + ` FROM burns ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list burns")
	}
	defer rows.Close()

	var burns []*Burn
	for rows.Next() {
		b, err := scanBurn(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		burns = append(burns, b)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_burns_complete", "burn_count", len(burns))
	return burns, nil
}

// DeleteBurn deletes a burn by id
func (r *Repository) DeleteBurn(ctx context.Context, id string) error {
	slog.Info("database_delete_burn", "burn_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM burns WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "burn_id", id, "error", err)
		return errors.Wrap(err, "failed to delete burn")
	}
	return nil
}

// PruneBurns deletes burns in status, or every finished burn when status
// is empty. It returns the number of rows removed.
func (r *Repository) PruneBurns(ctx context.Context, status string) (int64, error) {
	query := `DELETE FROM burns WHERE status = ?`
	args := []any{status}
	if status == "" {
		query = `DELETE FROM burns WHERE status IN (?, ?, ?)`
		args = []any{StatusCompleted, StatusFailed, StatusCancelled}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_prune_failed", "status", status, "error", err)
		return 0, errors.Wrap(err, "failed to prune burns")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_burns_pruned", "status", status, "deleted", n)
	return n, nil
}

// FailInterrupted marks burns left in a non-terminal status by a previous
// process as failed.
func (r *Repository) FailInterrupted(ctx context.Context) (int64, error) {
	query := `UPDATE burns SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP,
		finished_at = CURRENT_TIMESTAMP
		WHERE status NOT IN (?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, StatusFailed, "interrupted",
		StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		slog.Error("database_fail_interrupted_failed", "error", err)
		return 0, errors.Wrap(err, "failed to mark interrupted burns")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		slog.Warn("database_interrupted_burns", "count", n)
	}
	return n, nil
}

// UpsertImage inserts img or refreshes the row with the same path, and
// sets img.ID.
func (r *Repository) UpsertImage(ctx context.Context, img *Image) error {
	slog.Info("database_upsert_image", "path", img.Path, "source", img.Source)

	query := `
		INSERT INTO images (path, size_bytes, sha256, volume_label, is_bootable, is_uefi, is_hybrid, source, s3_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		    size_bytes = excluded.size_bytes,
		    sha256 = excluded.sha256,
		    volume_label = excluded.volume_label,
		    is_bootable = excluded.is_bootable,
		    is_uefi = excluded.is_uefi,
		    is_hybrid = excluded.is_hybrid,
		    source = excluded.source,
		    s3_key = COALESCE(NULLIF(excluded.s3_key, ''), images.s3_key),
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.ExecContext(ctx, query,
		img.Path, img.SizeBytes, img.SHA256, img.VolumeLabel,
		img.IsBootable, img.IsUEFI, img.IsHybrid, img.Source, img.S3Key); err != nil {
		slog.Error("database_upsert_failed", "path", img.Path, "error", err)
		return errors.Wrap(err, "failed to upsert image")
	}

	if err := r.db.QueryRowContext(ctx, `SELECT id FROM images WHERE path = ?`, img.Path).Scan(&img.ID); err != nil {
		return errors.Wrap(err, "failed to read image id")
	}

	slog.Info("database_image_upserted", "path", img.Path, "image_id", img.ID)
	return nil
}

// GetImageByPath returns the catalogued image at path, or nil when there is none
func (r *Repository) GetImageByPath(ctx context.Context, path string) (*Image, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE path = ?`, path)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to query image")
	}
	return img, nil
}

// ListImages returns the catalog, most recently seen first
func (r *Repository) ListImages(ctx context.Context) ([]*Image, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list images")
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return images, nil
}

// DeleteImage removes a catalog entry by id
func (r *Repository) DeleteImage(ctx context.Context, id int64) error {
	slog.Info("database_delete_image", "image_id", id)

	if _, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "image_id", id, "error", err)
		return errors.Wrap(err, "failed to delete image")
	}
	return nil
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_not_found_for_update", "kind", kind, "id", id)
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return nil
}
