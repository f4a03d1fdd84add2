package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
	"github.com/kirillkom/interpretation-engine/internal/infrastructure/resilience"
)

const (
	DefaultDocumentsSubject   = "documents.ingest"
	DefaultGenerationsSubject = "generations.completed"
)

// Queue carries ingestion documents in and generation events out over core NATS.
type Queue struct {
	conn               *nats.Conn
	documentsSubject   string
	generationsSubject string
	queueGroup         string
	executor           *resilience.Executor
}

type Options struct {
	DocumentsSubject   string
	GenerationsSubject string
	// QueueGroup load-balances documents across subscribers; empty delivers every
	// document to every subscriber, which is what replicas with private indexes need.
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("interpretation-engine"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:               conn,
		documentsSubject:   firstNonEmpty(options.DocumentsSubject, DefaultDocumentsSubject),
		generationsSubject: firstNonEmpty(options.GenerationsSubject, DefaultGenerationsSubject),
		queueGroup:         strings.TrimSpace(options.QueueGroup),
		executor:           options.ResilienceExecutor,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocument(ctx context.Context, doc domain.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document message: %w", err)
	}
	return q.publish(ctx, q.documentsSubject, data)
}

// GenerationCompleted publishes the accounting event for a generation that actually ran.
func (q *Queue) GenerationCompleted(ctx context.Context, event domain.GenerationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal generation event: %w", err)
	}
	return q.publish(ctx, q.generationsSubject, data)
}

func (q *Queue) publish(ctx context.Context, subject string, data []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapPublishError(err)
	}
	return nil
}

// SubscribeDocuments blocks until ctx is done, feeding each decoded document to handler.
func (q *Queue) SubscribeDocuments(ctx context.Context, handler func(context.Context, domain.Document) error) error {
	onMessage := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		doc, err := decodeDocumentMessage(msg.Data)
		if err != nil {
			slog.Error("document_message_invalid", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, doc); err != nil {
			slog.Error("document_handler_failed", "index", doc.IndexName, "document_id", doc.ID, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if q.queueGroup != "" {
		sub, err = q.conn.QueueSubscribe(q.documentsSubject, q.queueGroup, onMessage)
	} else {
		sub, err = q.conn.Subscribe(q.documentsSubject, onMessage)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeDocumentMessage(data []byte) (domain.Document, error) {
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Document{}, fmt.Errorf("decode document message: %w", err)
	}
	if strings.TrimSpace(doc.IndexName) == "" {
		return domain.Document{}, errors.New("document message has no index_name")
	}
	return doc, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
