package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProcessorWritesAvatar(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(input, buildTestPNG(t, 120, 80), 0o644))

	proc, err := NewLocalProcessor(New(halfSegmenter()), filepath.Join(dir, "out"))
	require.NoError(t, err)

	res, err := proc.Process(context.Background(), Request{
		JobID:      "job/../42",
		SourceType: "LOCAL_FILE",
		ObjectKey:  input,
		Avatar:     domain.AvatarSpec{Style: domain.StyleFantasy, Format: "jpg", Quality: 0.7},
	})
	require.NoError(t, err)

	assert.Positive(t, res.SourceBytes)
	assert.Equal(t, domain.FormatJPEG, res.Output.Format)
	assert.Equal(t, "image/jpeg", res.Output.MIME)
	assert.Equal(t, filepath.Join(dir, "out", "job____42", "avatar.jpg"), res.Output.Path)
	assert.Equal(t, 120, res.Output.Width)
	assert.Equal(t, 80, res.Output.Height)
	assert.False(t, res.Output.Resized)

	written, err := os.ReadFile(res.Output.Path)
	require.NoError(t, err)
	assert.Len(t, written, res.Output.Bytes)
}

func TestProcessorKeepsPipelineKind(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "photo.txt")
	require.NoError(t, os.WriteFile(input, []byte("not an image"), 0o644))

	proc, err := NewLocalProcessor(New(halfSegmenter()), dir)
	require.NoError(t, err)

	_, err = proc.Process(context.Background(), Request{
		JobID:      "bad",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  input,
		Avatar:     domain.AvatarSpec{Style: domain.StyleNone},
	})
	require.Error(t, err)
	assert.Equal(t, ErrDecode, KindOf(err))
	assert.NoFileExists(t, filepath.Join(dir, "bad", "avatar.png"))
}

func TestProcessorRejectsBadRequests(t *testing.T) {
	proc, err := NewLocalProcessor(New(halfSegmenter()), t.TempDir())
	require.NoError(t, err)

	_, err = proc.Process(context.Background(), Request{SourceType: domain.SourceTypeLocalFile})
	assert.EqualError(t, err, "job_id is required")

	_, err = proc.Process(context.Background(), Request{JobID: "x", SourceType: domain.SourceTypeS3Presigned})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)
	assert.Equal(t, Kind(""), KindOf(err))

	_, err = NewProcessor(nil, New(nil), LocalFileEmitter{})
	assert.Error(t, err)
	_, err = NewProcessor(LocalFileFetcher{}, nil, LocalFileEmitter{})
	assert.Error(t, err)
	_, err = NewProcessor(LocalFileFetcher{}, New(nil), nil)
	assert.Error(t, err)
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryObjects) ReadObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memoryObjects) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.types[key] = contentType
	return nil
}

func TestObjectStoreStages(t *testing.T) {
	objects := newMemoryObjects()
	objects.objects["uploads/job-1/source"] = buildTestPNG(t, 64, 64)

	proc, err := NewProcessor(ObjectStoreFetcher{Storage: objects}, New(halfSegmenter()), ObjectStoreEmitter{Storage: objects})
	require.NoError(t, err)

	res, err := proc.Process(context.Background(), Request{
		JobID:      "job-1",
		SourceType: domain.SourceTypeS3Presigned,
		ObjectKey:  "uploads/job-1/source",
		MIME:       "image/png",
		Avatar:     domain.AvatarSpec{Style: domain.StyleCyberpunk},
	})
	require.NoError(t, err)
	assert.Equal(t, "avatars/job-1/avatar.png", res.Output.Path)
	assert.Equal(t, "image/png", objects.types["avatars/job-1/avatar.png"])

	_, err = ObjectStoreFetcher{Storage: objects}.Fetch(context.Background(), Request{SourceType: domain.SourceTypeLocalFile})
	assert.ErrorIs(t, err, ErrUnsupportedSourceType)
}

func TestResultObjectKey(t *testing.T) {
	assert.Equal(t, "avatars/abc/avatar.webp", ResultObjectKey("", "abc", domain.FormatWebP))
	assert.Equal(t, "out/a_b/avatar.jpg", ResultObjectKey(" out ", "a b", domain.FormatJPEG))
}
