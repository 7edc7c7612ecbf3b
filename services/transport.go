package services

import (
	"context"
	"encoding/json"
	"fmt"

	"homewatch/models"
)

// Publish error codes
const (
	CodeNotConnected  = "not_connected"
	CodeTimeout       = "timeout"
	CodePublishFailed = "publish_failed"
)

// PublishError is returned by every transport when a message was not accepted
type PublishError struct {
	Transport string
	Code      string
	Err       error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s publish: %s", e.Transport, e.Code)
	}
	return fmt.Sprintf("%s publish: %s: %v", e.Transport, e.Code, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ReadingHandler receives decoded, validated readings from an ingestion source
type ReadingHandler func(ctx context.Context, source string, r models.Reading) error

// DecodeReading parses the flat wire record into a validated reading
func DecodeReading(body []byte) (models.Reading, error) {
	var p models.ReadingPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return models.Reading{}, fmt.Errorf("%w: %v", models.ErrInvalidReading, err)
	}
	return p.Reading()
}
