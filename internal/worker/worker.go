// Package worker connects the conversion pipeline to a NATS submission subject.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	handleMessageTimeout = 30 * time.Second
	// QueueGroup lets several service instances share the submission subject.
	QueueGroup = "audiobook-workers"
)

var (
	// ErrInvalidEvent indicates a submission event missing a required field.
	ErrInvalidEvent = errors.New("invalid submission event")
	// ErrRejected indicates the worker answered a submission with an error.
	ErrRejected = errors.New("submission rejected")
)

// EpubSubmittedEvent asks the service to convert an e-book already in the object store.
type EpubSubmittedEvent struct {
	Header    events.EventHeader `json:"header"`
	UserID    string             `json:"user_id"`
	BookTitle string             `json:"book_title"`
	EpubKey   string             `json:"epub_key"`
}

// JobAcceptedEvent is the reply to an EpubSubmittedEvent.
type JobAcceptedEvent struct {
	Header events.EventHeader `json:"header"`
	JobID  string             `json:"job_id,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// JobStarter starts a conversion from e-book bytes.
type JobStarter interface {
	StartJobFromSource(ctx context.Context, userID, bookTitle, sourceKey string, source []byte) (string, error)
}

// NatsWorker listens for submissions on a NATS subject and starts their conversion.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	starter        JobStarter
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	starter JobStarter,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		starter:        starter,
		log:            log,
	}
}

// Run subscribes and blocks until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.QueueSubscribe(w.subject, QueueGroup, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Listening for e-book submissions on subject: %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)
		w.reply(msg, &JobAcceptedEvent{Header: newHeader(events.EventHeader{}), Error: err.Error()})

		return
	}

	reply := &JobAcceptedEvent{Header: newHeader(event.Header)}

	jobID, startErr := w.startJob(ctx, event)
	if startErr != nil {
		w.log.Error("Failed to start job for workflow %s: %v", event.Header.WorkflowID, startErr)
		reply.Error = startErr.Error()
	} else {
		w.log.Info("Workflow %s accepted as job %s", event.Header.WorkflowID, jobID)
		reply.JobID = jobID
	}

	w.reply(msg, reply)
}

func (w *NatsWorker) startJob(ctx context.Context, event *EpubSubmittedEvent) (string, error) {
	source, err := w.store.Download(ctx, event.EpubKey)
	if err != nil {
		return "", fmt.Errorf("failed to download e-book for key '%s': %w", event.EpubKey, err)
	}

	jobID, err := w.starter.StartJobFromSource(ctx, event.UserID, event.BookTitle, event.EpubKey, source)
	if err != nil {
		return "", fmt.Errorf("failed to start conversion: %w", err)
	}

	return jobID, nil
}

func (w *NatsWorker) reply(msg *nats.Msg, reply *JobAcceptedEvent) {
	if msg.Reply == "" {
		return
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("Failed to marshal reply event: %v", err)

		return
	}

	err = msg.Respond(replyData)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", reply.Header.WorkflowID, err)
	}
}

func parseAndValidateEvent(msg *nats.Msg) (*EpubSubmittedEvent, error) {
	var event EpubSubmittedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch {
	case strings.TrimSpace(event.UserID) == "":
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidEvent)
	case strings.TrimSpace(event.BookTitle) == "":
		return nil, fmt.Errorf("%w: book_title is required", ErrInvalidEvent)
	case strings.TrimSpace(event.EpubKey) == "":
		return nil, fmt.Errorf("%w: epub_key is required", ErrInvalidEvent)
	}

	return &event, nil
}

// newHeader returns a fresh event header that stays in the workflow of parent.
func newHeader(parent events.EventHeader) events.EventHeader {
	workflowID := parent.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		EventID:    uuid.NewString(),
		UserID:     parent.UserID,
		TenantID:   parent.TenantID,
	}
}
