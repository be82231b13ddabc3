// repository/cassandra.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

const videoColumns = `id, user_id, post_id, original_filename, file_size, mime_type, raw_key,
	status, duration, width, height, thumbnail_url, manifest_url, available_qualities,
	error_message, created_at, processing_completed_at, updated_at`

// CassandraVideoRepository stores videos in the videos table.
type CassandraVideoRepository struct {
	session *gocql.Session
}

func NewCassandraVideoRepository(session *gocql.Session) *CassandraVideoRepository {
	return &CassandraVideoRepository{session: session}
}

func (r *CassandraVideoRepository) Create(ctx context.Context, v *models.Video) error {
	if err := r.write(ctx, v); err != nil {
		return fmt.Errorf("video create: %w", err)
	}
	return nil
}

func (r *CassandraVideoRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = ?`

	var (
		v           models.Video
		rowID       gocql.UUID
		userID      gocql.UUID
		postID      gocql.UUID
		status      string
		qualities   []string
		completedAt time.Time
	)
	err := r.session.Query(query, gocql.UUID(id)).WithContext(ctx).Scan(
		&rowID, &userID, &postID, &v.OriginalFilename, &v.FileSize, &v.MimeType, &v.RawKey,
		&status, &v.Duration, &v.Width, &v.Height, &v.ThumbnailURL, &v.ManifestURL, &qualities,
		&v.ErrorMessage, &v.CreatedAt, &completedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("video find by id: %w", err)
	}

	v.ID = uuid.UUID(rowID)
	v.UserID = uuid.UUID(userID)
	if postID != (gocql.UUID{}) {
		p := uuid.UUID(postID)
		v.PostID = &p
	}
	v.Status = models.VideoStatus(status)
	v.AvailableQualities = qualities
	if !completedAt.IsZero() {
		v.ProcessingCompletedAt = &completedAt
	}
	return &v, nil
}

// UpdateIfStatus rewrites the mutable columns with a lightweight transaction
// conditioned on the stored status.
func (r *CassandraVideoRepository) UpdateIfStatus(ctx context.Context, v *models.Video, expected models.VideoStatus) (bool, error) {
	const query = `UPDATE videos SET post_id = ?, file_size = ?, status = ?, duration = ?, width = ?,
		height = ?, thumbnail_url = ?, manifest_url = ?, available_qualities = ?, error_message = ?,
		processing_completed_at = ?, updated_at = ?
		WHERE id = ? IF status = ?`

	var postID interface{}
	if v.PostID != nil {
		postID = gocql.UUID(*v.PostID)
	}
	var completedAt interface{}
	if v.ProcessingCompletedAt != nil {
		completedAt = *v.ProcessingCompletedAt
	}
	v.UpdatedAt = time.Now()

	var current string
	applied, err := r.session.Query(query,
		postID, v.FileSize, string(v.Status), v.Duration, v.Width,
		v.Height, v.ThumbnailURL, v.ManifestURL, v.AvailableQualities, v.ErrorMessage,
		completedAt, v.UpdatedAt,
		gocql.UUID(v.ID), string(expected),
	).WithContext(ctx).ScanCAS(&current)
	if err != nil {
		return false, fmt.Errorf("video update: %w", err)
	}
	if !applied && current == "" {
		// a missing row reports a null status
		return false, models.ErrNotFound
	}
	return applied, nil
}

func (r *CassandraVideoRepository) write(ctx context.Context, v *models.Video) error {
	query := `INSERT INTO videos (` + videoColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var postID interface{}
	if v.PostID != nil {
		postID = gocql.UUID(*v.PostID)
	}
	var completedAt interface{}
	if v.ProcessingCompletedAt != nil {
		completedAt = *v.ProcessingCompletedAt
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}

	return r.session.Query(query,
		gocql.UUID(v.ID), gocql.UUID(v.UserID), postID, v.OriginalFilename, v.FileSize, v.MimeType, v.RawKey,
		string(v.Status), v.Duration, v.Width, v.Height, v.ThumbnailURL, v.ManifestURL, v.AvailableQualities,
		v.ErrorMessage, v.CreatedAt, completedAt, v.UpdatedAt,
	).WithContext(ctx).Exec()
}

// CassandraVariantRepository stores one row per (video_id, quality_name) in
// video_quality_variants. The primary key makes every write an upsert.
type CassandraVariantRepository struct {
	session *gocql.Session
}

func NewCassandraVariantRepository(session *gocql.Session) *CassandraVariantRepository {
	return &CassandraVariantRepository{session: session}
}

const variantInsert = `INSERT INTO video_quality_variants (video_id, quality_name, status, retry_priority,
	retry_count, error_message, completed_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (r *CassandraVariantRepository) UpsertBatch(ctx context.Context, variants []models.VideoQualityVariant) error {
	if len(variants) == 0 {
		return nil
	}
	batch := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for i := range variants {
		batch.Query(variantInsert, variantArgs(&variants[i])...)
	}
	if err := r.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("variant upsert batch: %w", err)
	}
	return nil
}

func (r *CassandraVariantRepository) Update(ctx context.Context, v *models.VideoQualityVariant) error {
	if err := r.session.Query(variantInsert, variantArgs(v)...).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("variant update %s: %w", v.QualityName, err)
	}
	return nil
}

func (r *CassandraVariantRepository) ListByVideo(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityVariant, error) {
	query := `SELECT video_id, quality_name, status, retry_priority, retry_count, error_message,
		completed_at, updated_at FROM video_quality_variants WHERE video_id = ?`
	iter := r.session.Query(query, gocql.UUID(videoID)).WithContext(ctx).Iter()

	var (
		out         []models.VideoQualityVariant
		id          gocql.UUID
		status      string
		completedAt time.Time
		v           models.VideoQualityVariant
	)
	for iter.Scan(&id, &v.QualityName, &status, &v.RetryPriority, &v.RetryCount, &v.ErrorMessage,
		&completedAt, &v.UpdatedAt) {
		v.VideoID = uuid.UUID(id)
		v.Status = models.VariantStatus(status)
		if !completedAt.IsZero() {
			c := completedAt
			v.CompletedAt = &c
		}
		out = append(out, v)
		v = models.VideoQualityVariant{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("variant list: %w", err)
	}
	return sortVariants(out), nil
}

func variantArgs(v *models.VideoQualityVariant) []interface{} {
	var completedAt interface{}
	if v.CompletedAt != nil {
		completedAt = *v.CompletedAt
	}
	updated := v.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []interface{}{
		gocql.UUID(v.VideoID), v.QualityName, string(v.Status), v.RetryPriority,
		v.RetryCount, v.ErrorMessage, completedAt, updated,
	}
}
