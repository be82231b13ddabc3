// models/videos.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxFileSize is the upper bound for a raw upload (2 GiB).
const MaxFileSize int64 = 2 * 1024 * 1024 * 1024

// MaxDurationSeconds is the longest source a job accepts.
const MaxDurationSeconds = 1800

type VideoStatus string

const (
	StatusUploading    VideoStatus = "uploading"
	StatusProcessing   VideoStatus = "processing"
	StatusReady        VideoStatus = "ready"
	StatusPartialReady VideoStatus = "partial_ready"
	StatusFailed       VideoStatus = "failed"
	StatusCancelled    VideoStatus = "cancelled"
)

// IsTerminal reports whether a job attempt has finished with this status.
func (s VideoStatus) IsTerminal() bool {
	switch s {
	case StatusReady, StatusPartialReady, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a video may move from one status to another.
func CanTransition(from, to VideoStatus) bool {
	switch from {
	case StatusUploading:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusReady || to == StatusPartialReady || to == StatusFailed || to == StatusCancelled
	case StatusPartialReady:
		return to == StatusReady || to == StatusProcessing || to == StatusCancelled
	case StatusFailed:
		return to == StatusProcessing
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition unless from -> to is allowed.
// Staying in the same status is always allowed.
func ValidateTransition(from, to VideoStatus) error {
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

type Video struct {
	ID                    uuid.UUID   `json:"id" db:"id"`
	UserID                uuid.UUID   `json:"user_id" db:"user_id"`
	PostID                *uuid.UUID  `json:"post_id,omitempty" db:"post_id"`
	OriginalFilename      string      `json:"original_filename" db:"original_filename"`
	FileSize              int64       `json:"file_size" db:"file_size"`
	MimeType              string      `json:"mime_type" db:"mime_type"`
	RawKey                string      `json:"raw_key" db:"raw_key"`
	Status                VideoStatus `json:"status" db:"status"`
	Duration              float64     `json:"duration" db:"duration"`
	Width                 int         `json:"width" db:"width"`
	Height                int         `json:"height" db:"height"`
	ThumbnailURL          string      `json:"thumbnail_url" db:"thumbnail_url"`
	ManifestURL           string      `json:"manifest_url" db:"manifest_url"`
	AvailableQualities    []string    `json:"available_qualities" db:"-"`
	ErrorMessage          string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt             time.Time   `json:"created_at" db:"created_at"`
	ProcessingCompletedAt *time.Time  `json:"processing_completed_at,omitempty" db:"processing_completed_at"`
	UpdatedAt             time.Time   `json:"updated_at" db:"updated_at"`
}

type VariantStatus string

const (
	VariantEncoding VariantStatus = "encoding"
	VariantReady    VariantStatus = "ready"
	VariantFailed   VariantStatus = "failed"
)

// VideoQualityVariant is one (video, quality) row.
type VideoQualityVariant struct {
	VideoID       uuid.UUID     `json:"video_id" db:"video_id"`
	QualityName   string        `json:"quality_name" db:"quality_name"`
	Status        VariantStatus `json:"status" db:"status"`
	RetryPriority int           `json:"retry_priority" db:"retry_priority"`
	RetryCount    int           `json:"retry_count" db:"retry_count"`
	ErrorMessage  string        `json:"error_message,omitempty" db:"error_message"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// VideoMetadata is what the transcoding engine reports about a source file.
type VideoMetadata struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Codec    string  `json:"codec"`
	Bitrate  int64   `json:"bitrate"`
	FPS      float64 `json:"fps"`
	FileSize int64   `json:"file_size"`
	Format   string  `json:"format"`
}

// DefaultThumbnailOffset is min(2s, 10% of the duration).
func DefaultThumbnailOffset(duration float64) float64 {
	at := duration * 0.1
	if at > 2 {
		at = 2
	}
	if at < 0 {
		at = 0
	}
	return at
}

// EncodeProgress is reported by the engine while a single quality encodes.
type EncodeProgress struct {
	Quality    string  `json:"quality"`
	Percent    float64 `json:"percent"`
	FrameCount int64   `json:"frame_count"`
	TimeMark   string  `json:"time_mark"`
}

type EncodingJob struct {
	VideoID     uuid.UUID `json:"video_id"`
	RawFilePath string    `json:"raw_file_path"`
	Attempt     int       `json:"attempt"`
}

type QualityRetryJob struct {
	VideoID     uuid.UUID `json:"video_id"`
	QualityName string    `json:"quality_name"`
	RawFilePath string    `json:"raw_file_path"`
	RetryCount  int       `json:"retry_count"`
	Priority    int       `json:"priority"`
}

type VariantOutput struct {
	Quality      string
	ManifestPath string
	SegmentDir   string
}

type VariantFailure struct {
	Quality string
	Err     error
}

// HLSEncodingResult is the in-memory output of one parallel encode.
type HLSEncodingResult struct {
	MasterManifestPath string
	Succeeded          []VariantOutput
	Failed             []VariantFailure
	Elapsed            time.Duration
}

func (r *HLSEncodingResult) SucceededNames() []string {
	names := make([]string, 0, len(r.Succeeded))
	for _, v := range r.Succeeded {
		names = append(names, v.Quality)
	}
	return names
}

func (r *HLSEncodingResult) FailedNames() []string {
	names := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		names = append(names, f.Quality)
	}
	return names
}

type OutcomeKind string

const (
	OutcomeSucceeded        OutcomeKind = "succeeded"
	OutcomePartialSucceeded OutcomeKind = "partial_succeeded"
	OutcomeFailed           OutcomeKind = "failed"
	OutcomeCancelled        OutcomeKind = "cancelled"
)

// JobOutcome is the explicit result of one encode or retry job.
type JobOutcome struct {
	Kind            OutcomeKind `json:"kind"`
	VideoID         uuid.UUID   `json:"video_id"`
	ReadyQualities  []string    `json:"ready_qualities,omitempty"`
	FailedQualities []string    `json:"failed_qualities,omitempty"`
	ManifestURL     string      `json:"manifest_url,omitempty"`
	Reason          string      `json:"reason,omitempty"`
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// LiveProgress is the queue-side view of a running job.
type LiveProgress struct {
	State     JobState  `json:"state"`
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}

type VideoStatusResponse struct {
	Status             VideoStatus `json:"status"`
	Progress           int         `json:"progress"`
	Duration           float64     `json:"duration"`
	ThumbnailURL       string      `json:"thumbnailUrl,omitempty"`
	ManifestURL        string      `json:"manifestUrl,omitempty"`
	AvailableQualities []string    `json:"availableQualities"`
	FailedQualities    []string    `json:"failedQualities,omitempty"`
	ErrorMessage       string      `json:"errorMessage,omitempty"`
}

type UploadRequest struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	UserID   string `json:"userId"`
	PostID   string `json:"postId,omitempty"`
}

type UploadResponse struct {
	VideoID   uuid.UUID `json:"videoId"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresIn int       `json:"expiresIn"`
}
