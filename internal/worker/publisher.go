package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/book-expert/events"
	"github.com/nats-io/nats.go"
)

// NatsPublisher submits stored e-books to whichever worker listens on the subject.
type NatsPublisher struct {
	natsConnection *nats.Conn
	subject        string
}

// NewNatsPublisher creates a publisher for subject.
func NewNatsPublisher(natsConnection *nats.Conn, subject string) *NatsPublisher {
	return &NatsPublisher{natsConnection: natsConnection, subject: subject}
}

// Submit sends an EpubSubmittedEvent and waits for the job id in the reply.
func (p *NatsPublisher) Submit(ctx context.Context, userID, bookTitle, epubKey string) (string, error) {
	event := &EpubSubmittedEvent{
		Header:    newHeader(events.EventHeader{UserID: userID}),
		UserID:    userID,
		BookTitle: bookTitle,
		EpubKey:   epubKey,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, handleMessageTimeout)
		defer cancel()
	}

	msg, err := p.natsConnection.RequestWithContext(ctx, p.subject, data)
	if err != nil {
		return "", fmt.Errorf("failed to submit '%s' on subject %s: %w", epubKey, p.subject, err)
	}

	var reply JobAcceptedEvent

	err = json.Unmarshal(msg.Data, &reply)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal reply: %w", err)
	}

	if reply.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}

	return reply.JobID, nil
}
