// repository/postgres.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

type videoRow struct {
	ID                    uuid.UUID     `db:"id"`
	UserID                uuid.UUID     `db:"user_id"`
	PostID                uuid.NullUUID `db:"post_id"`
	OriginalFilename      string        `db:"original_filename"`
	FileSize              int64         `db:"file_size"`
	MimeType              string        `db:"mime_type"`
	RawKey                string        `db:"raw_key"`
	Status                string        `db:"status"`
	Duration              float64       `db:"duration"`
	Width                 int           `db:"width"`
	Height                int           `db:"height"`
	ThumbnailURL          string        `db:"thumbnail_url"`
	ManifestURL           string        `db:"manifest_url"`
	AvailableQualities    string        `db:"available_qualities"`
	ErrorMessage          string        `db:"error_message"`
	CreatedAt             time.Time     `db:"created_at"`
	ProcessingCompletedAt sql.NullTime  `db:"processing_completed_at"`
	UpdatedAt             time.Time     `db:"updated_at"`
}

func toVideoRow(v *models.Video) videoRow {
	row := videoRow{
		ID:                 v.ID,
		UserID:             v.UserID,
		OriginalFilename:   v.OriginalFilename,
		FileSize:           v.FileSize,
		MimeType:           v.MimeType,
		RawKey:             v.RawKey,
		Status:             string(v.Status),
		Duration:           v.Duration,
		Width:              v.Width,
		Height:             v.Height,
		ThumbnailURL:       v.ThumbnailURL,
		ManifestURL:        v.ManifestURL,
		AvailableQualities: joinQualities(v.AvailableQualities),
		ErrorMessage:       v.ErrorMessage,
		CreatedAt:          v.CreatedAt,
		UpdatedAt:          v.UpdatedAt,
	}
	if v.PostID != nil {
		row.PostID = uuid.NullUUID{UUID: *v.PostID, Valid: true}
	}
	if v.ProcessingCompletedAt != nil {
		row.ProcessingCompletedAt = sql.NullTime{Time: *v.ProcessingCompletedAt, Valid: true}
	}
	return row
}

func (r videoRow) toModel() *models.Video {
	v := &models.Video{
		ID:                 r.ID,
		UserID:             r.UserID,
		OriginalFilename:   r.OriginalFilename,
		FileSize:           r.FileSize,
		MimeType:           r.MimeType,
		RawKey:             r.RawKey,
		Status:             models.VideoStatus(r.Status),
		Duration:           r.Duration,
		Width:              r.Width,
		Height:             r.Height,
		ThumbnailURL:       r.ThumbnailURL,
		ManifestURL:        r.ManifestURL,
		AvailableQualities: splitQualities(r.AvailableQualities),
		ErrorMessage:       r.ErrorMessage,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.PostID.Valid {
		id := r.PostID.UUID
		v.PostID = &id
	}
	if r.ProcessingCompletedAt.Valid {
		t := r.ProcessingCompletedAt.Time
		v.ProcessingCompletedAt = &t
	}
	return v
}

// PostgresVideoRepository is the sqlx-backed alternative to Cassandra.
type PostgresVideoRepository struct {
	db *sqlx.DB
}

func NewPostgresVideoRepository(db *sqlx.DB) *PostgresVideoRepository {
	return &PostgresVideoRepository{db: db}
}

func (r *PostgresVideoRepository) Create(ctx context.Context, v *models.Video) error {
	const q = `
		INSERT INTO videos (id, user_id, post_id, original_filename, file_size, mime_type, raw_key,
			status, duration, width, height, thumbnail_url, manifest_url, available_qualities,
			error_message, created_at, processing_completed_at, updated_at)
		VALUES (:id, :user_id, :post_id, :original_filename, :file_size, :mime_type, :raw_key,
			:status, :duration, :width, :height, :thumbnail_url, :manifest_url, :available_qualities,
			:error_message, :created_at, :processing_completed_at, :updated_at)
	`
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	if _, err := r.db.NamedExecContext(ctx, q, toVideoRow(v)); err != nil {
		return fmt.Errorf("video create: %w", err)
	}
	return nil
}

func (r *PostgresVideoRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	const q = `
		SELECT id, user_id, post_id, original_filename, file_size, mime_type, raw_key,
			status, duration, width, height, thumbnail_url, manifest_url, available_qualities,
			error_message, created_at, processing_completed_at, updated_at
		FROM videos
		WHERE id = $1
	`
	var row videoRow
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("video find by id: %w", err)
	}
	return row.toModel(), nil
}

// conditionalVideoRow carries the expected status next to the row values.
type conditionalVideoRow struct {
	videoRow
	ExpectedStatus string `db:"expected_status"`
}

// UpdateIfStatus writes the mutable columns only while the stored status is
// still expected.
func (r *PostgresVideoRepository) UpdateIfStatus(ctx context.Context, v *models.Video, expected models.VideoStatus) (bool, error) {
	const q = `
		UPDATE videos SET
			post_id = :post_id,
			file_size = :file_size,
			status = :status,
			duration = :duration,
			width = :width,
			height = :height,
			thumbnail_url = :thumbnail_url,
			manifest_url = :manifest_url,
			available_qualities = :available_qualities,
			error_message = :error_message,
			processing_completed_at = :processing_completed_at,
			updated_at = :updated_at
		WHERE id = :id AND status = :expected_status
	`
	v.UpdatedAt = time.Now()
	res, err := r.db.NamedExecContext(ctx, q, conditionalVideoRow{
		videoRow:       toVideoRow(v),
		ExpectedStatus: string(expected),
	})
	if err != nil {
		return false, fmt.Errorf("video update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("video update: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var status string
	if err := r.db.GetContext(ctx, &status, `SELECT status FROM videos WHERE id = $1`, v.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, models.ErrNotFound
		}
		return false, fmt.Errorf("video update: %w", err)
	}
	return false, nil
}

type variantRow struct {
	VideoID       uuid.UUID    `db:"video_id"`
	QualityName   string       `db:"quality_name"`
	Status        string       `db:"status"`
	RetryPriority int          `db:"retry_priority"`
	RetryCount    int          `db:"retry_count"`
	ErrorMessage  string       `db:"error_message"`
	CompletedAt   sql.NullTime `db:"completed_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func toVariantRow(v *models.VideoQualityVariant) variantRow {
	row := variantRow{
		VideoID:       v.VideoID,
		QualityName:   v.QualityName,
		Status:        string(v.Status),
		RetryPriority: v.RetryPriority,
		RetryCount:    v.RetryCount,
		ErrorMessage:  v.ErrorMessage,
		UpdatedAt:     v.UpdatedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now()
	}
	if v.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *v.CompletedAt, Valid: true}
	}
	return row
}

func (r variantRow) toModel() models.VideoQualityVariant {
	v := models.VideoQualityVariant{
		VideoID:       r.VideoID,
		QualityName:   r.QualityName,
		Status:        models.VariantStatus(r.Status),
		RetryPriority: r.RetryPriority,
		RetryCount:    r.RetryCount,
		ErrorMessage:  r.ErrorMessage,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		v.CompletedAt = &t
	}
	return v
}

// PostgresVariantRepository upserts on the (video_id, quality_name) key.
type PostgresVariantRepository struct {
	db *sqlx.DB
}

func NewPostgresVariantRepository(db *sqlx.DB) *PostgresVariantRepository {
	return &PostgresVariantRepository{db: db}
}

const variantUpsert = `
	INSERT INTO video_quality_variants (video_id, quality_name, status, retry_priority, retry_count,
		error_message, completed_at, updated_at)
	VALUES (:video_id, :quality_name, :status, :retry_priority, :retry_count,
		:error_message, :completed_at, :updated_at)
	ON CONFLICT (video_id, quality_name) DO UPDATE SET
		status = EXCLUDED.status,
		retry_priority = EXCLUDED.retry_priority,
		retry_count = EXCLUDED.retry_count,
		error_message = EXCLUDED.error_message,
		completed_at = EXCLUDED.completed_at,
		updated_at = EXCLUDED.updated_at
`

func (r *PostgresVariantRepository) UpsertBatch(ctx context.Context, variants []models.VideoQualityVariant) error {
	if len(variants) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("variant upsert batch: %w", err)
	}
	defer tx.Rollback()

	for i := range variants {
		if _, err := tx.NamedExecContext(ctx, variantUpsert, toVariantRow(&variants[i])); err != nil {
			return fmt.Errorf("variant upsert %s: %w", variants[i].QualityName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("variant upsert batch commit: %w", err)
	}
	return nil
}

func (r *PostgresVariantRepository) Update(ctx context.Context, v *models.VideoQualityVariant) error {
	if _, err := r.db.NamedExecContext(ctx, variantUpsert, toVariantRow(v)); err != nil {
		return fmt.Errorf("variant update %s: %w", v.QualityName, err)
	}
	return nil
}

func (r *PostgresVariantRepository) ListByVideo(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityVariant, error) {
	const q = `
		SELECT video_id, quality_name, status, retry_priority, retry_count, error_message,
			completed_at, updated_at
		FROM video_quality_variants
		WHERE video_id = $1
		ORDER BY retry_priority
	`
	var rows []variantRow
	if err := r.db.SelectContext(ctx, &rows, q, videoID); err != nil {
		return nil, fmt.Errorf("variant list: %w", err)
	}
	out := make([]models.VideoQualityVariant, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return sortVariants(out), nil
}
