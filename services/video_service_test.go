package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Coding-for-Machine/video-transcoder/models"
)

type videoServiceFixture struct {
	videos   *memVideos
	variants *memVariants
	storage  *memStorage
	jobs     *JobQueueMock
	progress staticProgress
}

func newVideoServiceFixture() *videoServiceFixture {
	return &videoServiceFixture{
		videos:   newMemVideos(),
		variants: newMemVariants(),
		storage:  newMemStorage(),
		jobs:     new(JobQueueMock),
	}
}

func (f *videoServiceFixture) service() *VideoService {
	return NewVideoService(f.videos, f.variants, f.storage, f.jobs, f.progress, UploadOptions{
		RawBucket:     rawBucket,
		PresignExpiry: 15 * time.Minute,
		MaxFileSize:   1000,
	}, zerolog.Nop())
}

func TestCreateUpload(t *testing.T) {
	f := newVideoServiceFixture()
	userID := uuid.New()

	resp, err := f.service().CreateUpload(context.Background(), models.UploadRequest{
		Filename: "../../etc/clip.mp4",
		FileSize: 900,
		MimeType: "video/mp4",
		UserID:   userID.String(),
	})
	require.NoError(t, err)

	assert.Equal(t, 900, resp.ExpiresIn)
	assert.Contains(t, resp.UploadURL, "X-Amz-Signature")

	stored := f.videos.get(resp.VideoID)
	assert.Equal(t, models.StatusUploading, stored.Status)
	assert.Equal(t, userID, stored.UserID)
	assert.Equal(t, "clip.mp4", stored.OriginalFilename)
	assert.Equal(t, "raw/"+resp.VideoID.String()+"-clip.mp4", stored.RawKey)
	assert.Nil(t, stored.PostID)
}

func TestCreateUpload_Validation(t *testing.T) {
	valid := models.UploadRequest{
		Filename: "clip.mp4",
		FileSize: 10,
		MimeType: "video/mp4",
		UserID:   uuid.NewString(),
	}
	tests := []struct {
		name  string
		edit  func(r *models.UploadRequest)
		field string
	}{
		{"missing filename", func(r *models.UploadRequest) { r.Filename = "  " }, "filename"},
		{"zero size", func(r *models.UploadRequest) { r.FileSize = 0 }, "fileSize"},
		{"too large", func(r *models.UploadRequest) { r.FileSize = 1001 }, "fileSize"},
		{"not a video", func(r *models.UploadRequest) { r.MimeType = "image/png" }, "mimeType"},
		{"bad user", func(r *models.UploadRequest) { r.UserID = "nope" }, "userId"},
		{"bad post", func(r *models.UploadRequest) { r.PostID = "nope" }, "postId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVideoServiceFixture()
			req := valid
			tt.edit(&req)

			_, err := f.service().CreateUpload(context.Background(), req)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, f.videos.videos)
		})
	}
}

func TestCompleteUpload_EnqueuesEncodeJob(t *testing.T) {
	f := newVideoServiceFixture()
	video := models.Video{ID: uuid.New(), RawKey: "raw/x.mp4", Status: models.StatusUploading}
	f.videos = newMemVideos(video)
	f.storage.seed(rawBucket, video.RawKey, []byte(strings.Repeat("v", 640)))
	f.jobs.On("EnqueueEncode", mock.Anything, models.EncodingJob{
		VideoID:     video.ID,
		RawFilePath: "raw/x.mp4",
		Attempt:     1,
	}).Return(nil).Once()

	got, err := f.service().CompleteUpload(context.Background(), video.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(640), got.FileSize)
	assert.Equal(t, int64(640), f.videos.get(video.ID).FileSize)
	f.jobs.AssertExpectations(t)
}

func TestCompleteUpload_RejectsOversizedObject(t *testing.T) {
	f := newVideoServiceFixture()
	video := models.Video{ID: uuid.New(), RawKey: "raw/big.mp4", Status: models.StatusUploading}
	f.videos = newMemVideos(video)
	f.storage.seed(rawBucket, video.RawKey, []byte(strings.Repeat("v", 2000)))

	_, err := f.service().CompleteUpload(context.Background(), video.ID)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	assert.Equal(t, models.StatusFailed, f.videos.get(video.ID).Status)
	f.jobs.AssertNotCalled(t, "EnqueueEncode", mock.Anything, mock.Anything)
}

func TestCompleteUpload_MissingObjectAndWrongState(t *testing.T) {
	f := newVideoServiceFixture()
	missing := models.Video{ID: uuid.New(), RawKey: "raw/none.mp4", Status: models.StatusUploading}
	done := models.Video{ID: uuid.New(), RawKey: "raw/done.mp4", Status: models.StatusReady}
	f.videos = newMemVideos(missing, done)
	svc := f.service()

	_, err := svc.CompleteUpload(context.Background(), missing.ID)
	var serr *models.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "stat", serr.Op)

	_, err = svc.CompleteUpload(context.Background(), done.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = svc.CompleteUpload(context.Background(), uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelVideo(t *testing.T) {
	f := newVideoServiceFixture()
	processing := models.Video{ID: uuid.New(), Status: models.StatusProcessing}
	ready := models.Video{ID: uuid.New(), Status: models.StatusReady}
	f.videos = newMemVideos(processing, ready)
	svc := f.service()

	got, err := svc.CancelVideo(context.Background(), processing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.StatusCancelled, f.videos.get(processing.ID).Status)

	_, err = svc.CancelVideo(context.Background(), processing.ID)
	require.NoError(t, err, "cancelling twice is a no-op")

	_, err = svc.CancelVideo(context.Background(), ready.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.StatusReady, f.videos.get(ready.ID).Status)
}

func TestCancelVideo_LosesRaceToFinalize(t *testing.T) {
	f := newVideoServiceFixture()
	video := models.Video{ID: uuid.New(), Status: models.StatusProcessing}
	f.videos = newMemVideos(video)
	// the worker finalizes between the cancel's read and its write
	f.videos.beforeUpdate = func() { f.videos.setStatus(video.ID, models.StatusReady) }

	_, err := f.service().CancelVideo(context.Background(), video.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.StatusReady, f.videos.get(video.ID).Status)
}

func TestCompleteUpload_CancelledBeforeEnqueue(t *testing.T) {
	f := newVideoServiceFixture()
	video := models.Video{ID: uuid.New(), Status: models.StatusUploading, RawKey: "raw/x.mp4"}
	f.videos = newMemVideos(video)
	f.storage.seed(rawBucket, video.RawKey, []byte("abc"))
	f.videos.beforeUpdate = func() { f.videos.setStatus(video.ID, models.StatusCancelled) }

	_, err := f.service().CompleteUpload(context.Background(), video.ID)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.StatusCancelled, f.videos.get(video.ID).Status)
	f.jobs.AssertNotCalled(t, "EnqueueEncode", mock.Anything, mock.Anything)
}

func TestGetStatus_UsesLiveProgressWhileProcessing(t *testing.T) {
	f := newVideoServiceFixture()
	video := models.Video{ID: uuid.New(), Status: models.StatusProcessing, Duration: 12}
	f.videos = newMemVideos(video)
	f.progress = staticProgress{live: &models.LiveProgress{State: models.JobActive, Percent: 64}}

	got, err := f.service().GetStatus(context.Background(), video.ID)
	require.NoError(t, err)
	assert.Equal(t, 64, got.Progress)
	assert.Equal(t, 12.0, got.Duration)
}

func TestGetStatus_ProgressErrorFallsBackToDefault(t *testing.T) {
	f := newVideoServiceFixture()
	video := models.Video{ID: uuid.New(), Status: models.StatusProcessing}
	f.videos = newMemVideos(video)
	f.progress = staticProgress{err: errors.New("redis down")}

	got, err := f.service().GetStatus(context.Background(), video.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)

	_, err = f.service().GetStatus(context.Background(), uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)
}
