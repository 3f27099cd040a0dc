package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"

	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

type CreateJobRequest struct {
	SourceType string   `json:"source_type"`
	WebhookURL string   `json:"webhook_url,omitempty"`
	ObjectKey  string   `json:"object_key,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Style      string   `json:"style"`
	Format     string   `json:"format,omitempty"`
	// Quality is nil when the client leaves it to the server default.
	Quality    *float64 `json:"quality,omitempty"`
}

// AvatarSpec is the validated rendering request carried by a job.
type AvatarSpec struct {
	Style   Style   `json:"style"`
	Format  string  `json:"format"`
	Quality float64 `json:"quality,omitempty"`
}

type Job struct {
	ID           string
	UserID       string
	Status       string
	SourceType   string
	WebhookURL   string
	Avatar       AvatarSpec
	ObjectKey    string
	ResultKey    string
	ResultWidth  int
	ResultHeight int
	ErrorKind    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobResult is what a finished run records back onto its job.
type JobResult struct {
	Status       string
	ResultKey    string
	ResultWidth  int
	ResultHeight int
	ErrorKind    string
	ErrorMessage string
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if strings.TrimSpace(r.Style) == "" {
		return errors.New("style is required")
	}
	if _, err := ParseStyle(r.Style); err != nil {
		return err
	}
	if _, err := NormalizeFormat(r.Format); err != nil {
		return err
	}
	if r.Quality != nil && (math.IsNaN(*r.Quality) || *r.Quality < 0 || *r.Quality > 1) {
		return fmt.Errorf("quality must be within [0,1], got %g", *r.Quality)
	}
	return nil
}

// AvatarSpec returns the normalized rendering request, using defaultQuality
// when the request carries none. Call Validate first.
func (r CreateJobRequest) AvatarSpec(defaultQuality float64) AvatarSpec {
	style, _ := ParseStyle(r.Style)
	format, _ := NormalizeFormat(r.Format)
	quality := defaultQuality
	if r.Quality != nil {
		quality = *r.Quality
	}
	return AvatarSpec{Style: style, Format: format, Quality: quality}
}

// NormalizeFormat maps user input to one of the supported output formats.
// An empty value selects PNG.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}
