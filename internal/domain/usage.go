package domain

import "time"

// UsageLog is one billed avatar preparation.
type UsageLog struct {
	UserID string
	JobID  string
	Style  Style
	// Format is the encoded output format; OutputBytes its size.
	Format          string
	OutputBytes     int64
	PixelsProcessed int64
	Resized         bool
	ComputeTimeMS   int64
	CreatedAt       time.Time
}

// Megapixels is PixelsProcessed in millions, the unit usage is reported in.
func (u UsageLog) Megapixels() float64 {
	return float64(u.PixelsProcessed) / 1e6
}
