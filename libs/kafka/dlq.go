package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"
)

// DLQPayload wraps a notification that could not be published. The original
// payload rides along base64-encoded so an operator can replay it once the
// broker recovers.
type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPayload {
	payload := ""
	if value != nil {
		if raw, marshalErr := json.Marshal(value); marshalErr == nil {
			payload = base64.StdEncoding.EncodeToString(raw)
		} else {
			payload = base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%v", value)))
		}
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return DLQPayload{
		OriginalTopic: topic,
		Key:           key,
		Error:         errMsg,
		Reason:        reason,
		Attempts:      attempts,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// DLQPublisher publishes through primary and parks failures on the dead
// letter topic. The original error is always returned; the DLQ write is a
// side channel, not a substitute for delivery.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{
		primary:  primary,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logger,
	}
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, fmt.Errorf("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil {
		return partition, offset, nil
	}
	if p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}
	payload := BuildDLQPayload(topic, key, value, err, "publish_failed", 1)
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, payload); dlqErr != nil {
		p.logger.Error("publish dlq failed", "topic", p.dlqTopic, "error", dlqErr)
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}
