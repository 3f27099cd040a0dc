package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/avatarflow/internal/domain"
)

const SourceTypeS3Presigned = domain.SourceTypeS3Presigned

// ObjectStorage is the part of the storage client the stages need.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStorage
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, res Result) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	format := formatForMIME(res.MIME)
	objectKey := ResultObjectKey(e.OutputPrefix, req.JobID, format)
	if err := e.Storage.WriteObject(ctx, objectKey, res.Data, res.MIME); err != nil {
		return Output{}, err
	}
	return outputFor(res, format, objectKey), nil
}

// ResultObjectKey is where a job's avatar lands in the bucket.
func ResultObjectKey(prefix, jobID, format string) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), avatarFilename(format))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "avatars"
	}
	return prefix
}
