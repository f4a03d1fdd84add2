package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/interpretation-engine/internal/infrastructure/resilience"
)

// classifyNATSError retries connection-level failures. Payload and subject errors come
// from our own messages and never count against the breaker.
func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject):
		return resilience.ErrorClassification{}
	default:
		return resilience.ClassifyDomainError(err)
	}
}

func wrapPublishError(err error) error {
	return resilience.WrapTemporary("nats publish", err, classifyNATSError)
}
