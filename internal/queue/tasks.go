package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypePrepareAvatar = "avatar:prepare"

type PrepareAvatarPayload struct {
	JobID       string            `json:"job_id"`
	SourceType  string            `json:"source_type"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	ObjectKey   string            `json:"object_key"`
	MIME        string            `json:"mime,omitempty"`
	Avatar      domain.AvatarSpec `json:"avatar"`
	RequestedAt time.Time         `json:"requested_at"`
}

func (p PrepareAvatarPayload) validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("job_id is required")
	}
	if strings.TrimSpace(p.ObjectKey) == "" {
		return errors.New("object_key is required")
	}
	return nil
}

func NewPrepareAvatarTask(payload PrepareAvatarPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("prepare payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal prepare payload: %w", err)
	}
	return asynq.NewTask(TypePrepareAvatar, body), nil
}

// ParsePrepareAvatarPayload also rejects payloads whose style no longer
// parses, so a bad task fails before any work is done.
func ParsePrepareAvatarPayload(task *asynq.Task) (PrepareAvatarPayload, error) {
	var payload PrepareAvatarPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return PrepareAvatarPayload{}, fmt.Errorf("unmarshal prepare payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return PrepareAvatarPayload{}, fmt.Errorf("prepare payload: %w", err)
	}
	if !payload.Avatar.Style.Valid() {
		return PrepareAvatarPayload{}, fmt.Errorf("prepare payload: %w: %q", domain.ErrUnknownStyle, payload.Avatar.Style)
	}
	return payload, nil
}
