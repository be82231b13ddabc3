// services/video_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

// cancelAttempts bounds how often CancelVideo re-reads after losing a race.
const cancelAttempts = 3

type UploadOptions struct {
	RawBucket     string
	PresignExpiry time.Duration
	MaxFileSize   int64
}

// VideoService owns the upload lifecycle in front of the pipeline: issuing
// upload URLs, handing finished uploads to the queue, status and cancel.
type VideoService struct {
	videos   VideoRepository
	variants VariantRepository
	storage  ObjectStorage
	jobs     JobQueue
	progress ProgressReader
	opts     UploadOptions
	log      zerolog.Logger
	now      func() time.Time
}

func NewVideoService(
	videos VideoRepository,
	variants VariantRepository,
	storage ObjectStorage,
	jobs JobQueue,
	progress ProgressReader,
	opts UploadOptions,
	log zerolog.Logger,
) *VideoService {
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = time.Hour
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = models.MaxFileSize
	}
	return &VideoService{
		videos:   videos,
		variants: variants,
		storage:  storage,
		jobs:     jobs,
		progress: progress,
		opts:     opts,
		log:      log.With().Str("component", "video_service").Logger(),
		now:      time.Now,
	}
}

// CreateUpload registers a video in the uploading state and returns a
// presigned URL the client uploads the raw file to.
func (s *VideoService) CreateUpload(ctx context.Context, req models.UploadRequest) (*models.UploadResponse, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, &models.ValidationError{Field: "filename", Reason: "is required"}
	}
	if req.FileSize <= 0 {
		return nil, &models.ValidationError{Field: "fileSize", Reason: "must be positive"}
	}
	if req.FileSize > s.opts.MaxFileSize {
		return nil, &models.ValidationError{
			Field:  "fileSize",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", req.FileSize, s.opts.MaxFileSize),
		}
	}
	if !strings.HasPrefix(req.MimeType, "video/") {
		return nil, &models.ValidationError{Field: "mimeType", Reason: "only video files are accepted"}
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, &models.ValidationError{Field: "userId", Reason: "must be a UUID"}
	}
	var postID *uuid.UUID
	if req.PostID != "" {
		id, err := uuid.Parse(req.PostID)
		if err != nil {
			return nil, &models.ValidationError{Field: "postId", Reason: "must be a UUID"}
		}
		postID = &id
	}

	now := s.now()
	video := &models.Video{
		ID:               uuid.New(),
		UserID:           userID,
		PostID:           postID,
		OriginalFilename: filename,
		FileSize:         req.FileSize,
		MimeType:         req.MimeType,
		Status:           models.StatusUploading,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	video.RawKey = fmt.Sprintf("raw/%s-%s", video.ID, filename)

	if err := s.videos.Create(ctx, video); err != nil {
		return nil, fmt.Errorf("create video: %w", err)
	}

	url, err := s.storage.PresignedPutURL(ctx, s.opts.RawBucket, video.RawKey, s.opts.PresignExpiry)
	if err != nil {
		return nil, &models.StorageError{Op: "presign", Bucket: s.opts.RawBucket, Key: video.RawKey, Err: err}
	}

	s.log.Info().
		Str("video_id", video.ID.String()).
		Str("filename", filename).
		Int64("size", req.FileSize).
		Msg("upload url issued")

	return &models.UploadResponse{
		VideoID:   video.ID,
		UploadURL: url,
		ExpiresIn: int(s.opts.PresignExpiry.Seconds()),
	}, nil
}

// CompleteUpload verifies the raw object and enqueues the encode job.
func (s *VideoService) CompleteUpload(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	video, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if video.Status != models.StatusUploading {
		return nil, &models.TransitionError{From: video.Status, To: models.StatusProcessing}
	}

	size, err := s.storage.StatObject(ctx, s.opts.RawBucket, video.RawKey)
	if err != nil {
		return nil, &models.StorageError{Op: "stat", Bucket: s.opts.RawBucket, Key: video.RawKey, Err: err}
	}
	if size > s.opts.MaxFileSize {
		verr := &models.ValidationError{
			Field:  "fileSize",
			Reason: fmt.Sprintf("uploaded %d bytes exceeds the %d byte limit", size, s.opts.MaxFileSize),
		}
		video.Status = models.StatusFailed
		video.ErrorMessage = verr.Error()
		if _, err := s.videos.UpdateIfStatus(ctx, video, models.StatusUploading); err != nil {
			s.log.Error().Err(err).Str("video_id", id.String()).Msg("failed to mark oversized upload failed")
		}
		return nil, verr
	}

	video.FileSize = size
	video.UpdatedAt = s.now()
	applied, err := s.videos.UpdateIfStatus(ctx, video, models.StatusUploading)
	if err != nil {
		return nil, fmt.Errorf("update video: %w", err)
	}
	if !applied {
		return nil, s.conflict(ctx, id, models.StatusProcessing)
	}

	job := models.EncodingJob{VideoID: video.ID, RawFilePath: video.RawKey, Attempt: 1}
	if err := s.jobs.EnqueueEncode(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue encode job: %w", err)
	}
	s.log.Info().Str("video_id", id.String()).Int64("size", size).Msg("encode job enqueued")
	return video, nil
}

// GetStatus builds the polling view of a video.
func (s *VideoService) GetStatus(ctx context.Context, id uuid.UUID) (*models.VideoStatusResponse, error) {
	video, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	variants, err := s.variants.ListByVideo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}

	var live *models.LiveProgress
	if video.Status == models.StatusProcessing && s.progress != nil {
		live, err = s.progress.GetProgress(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("video_id", id.String()).Msg("live progress unavailable")
			live = nil
		}
	}

	resp := BuildStatus(video, variants, live)
	return &resp, nil
}

// CancelVideo marks the video cancelled. Running jobs observe it at their
// next checkpoint or status poll, and their own writes no longer apply.
func (s *VideoService) CancelVideo(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		video, err := s.find(ctx, id)
		if err != nil {
			return nil, err
		}
		if video.Status == models.StatusCancelled {
			return video, nil
		}
		if err := models.ValidateTransition(video.Status, models.StatusCancelled); err != nil {
			return nil, err
		}
		previous := video.Status
		video.Status = models.StatusCancelled
		video.ErrorMessage = "cancelled by user"
		video.UpdatedAt = s.now()
		applied, err := s.videos.UpdateIfStatus(ctx, video, previous)
		if err != nil {
			return nil, fmt.Errorf("cancel video: %w", err)
		}
		if applied {
			s.log.Info().Str("video_id", id.String()).Msg("video cancelled")
			return video, nil
		}
		// a worker moved the row in between, decide again on the fresh status
	}
	return nil, s.conflict(ctx, id, models.StatusCancelled)
}

// conflict describes a lost conditional write against the current status.
func (s *VideoService) conflict(ctx context.Context, id uuid.UUID, to models.VideoStatus) error {
	current, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	return &models.TransitionError{From: current.Status, To: to}
}

func (s *VideoService) find(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	video, err := s.videos.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, &models.NotFoundError{VideoID: id}
		}
		return nil, fmt.Errorf("find video: %w", err)
	}
	return video, nil
}
