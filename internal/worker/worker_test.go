// Package worker_test tests the NATS submission worker.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-service/internal/objectstore"
	"github.com/book-expert/audiobook-service/internal/scanner"
	"github.com/book-expert/audiobook-service/internal/worker"
)

const testSubject = "test.epub.submitted"

var _ scanner.Submitter = (*worker.NatsPublisher)(nil)

// mockStarter records the conversions it was asked to start.
type mockStarter struct {
	mu        sync.Mutex
	userID    string
	bookTitle string
	sourceKey string
	source    []byte
	fail      bool
}

func (m *mockStarter) StartJobFromSource(
	_ context.Context,
	userID, bookTitle, sourceKey string,
	source []byte,
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return "", errors.New("orchestrator is shutting down")
	}

	m.userID, m.bookTitle, m.sourceKey, m.source = userID, bookTitle, sourceKey, source

	return "job-42", nil
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err, "Failed to connect to test NATS server")
	t.Cleanup(natsConnection.Close)

	return natsConnection
}

func setupTest(t *testing.T, starter *mockStarter) (*objectstore.MemoryStore, *nats.Conn) {
	t.Helper()

	natsConnection := createTestNatsClient(t)
	store := objectstore.NewMemory()

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	workerInstance := worker.NewNatsWorker(natsConnection, testSubject, store, starter, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan)
	})

	require.Eventually(t, func() bool { return natsConnection.NumSubscriptions() == 1 },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, natsConnection.Flush())

	return store, natsConnection
}

func TestPublisher_SubmitsToWorker(t *testing.T) {
	t.Parallel()

	starter := &mockStarter{}
	store, natsConnection := setupTest(t, starter)

	require.NoError(t, store.Upload(context.Background(), "alice/epubs/Emma.epub", []byte("zipdata")))

	publisher := worker.NewNatsPublisher(natsConnection, testSubject)

	jobID, err := publisher.Submit(context.Background(), "alice", "Emma", "alice/epubs/Emma.epub")
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)

	starter.mu.Lock()
	defer starter.mu.Unlock()

	assert.Equal(t, "alice", starter.userID)
	assert.Equal(t, "Emma", starter.bookTitle)
	assert.Equal(t, "alice/epubs/Emma.epub", starter.sourceKey)
	assert.Equal(t, []byte("zipdata"), starter.source)
}

func TestPublisher_ReportsRejections(t *testing.T) {
	t.Parallel()

	starter := &mockStarter{}
	store, natsConnection := setupTest(t, starter)
	publisher := worker.NewNatsPublisher(natsConnection, testSubject)

	_, err := publisher.Submit(context.Background(), "alice", "Missing", "alice/epubs/Missing.epub")
	require.ErrorIs(t, err, worker.ErrRejected)
	assert.Contains(t, err.Error(), "alice/epubs/Missing.epub")

	require.NoError(t, store.Upload(context.Background(), "alice/epubs/Emma.epub", []byte("zipdata")))

	starter.mu.Lock()
	starter.fail = true
	starter.mu.Unlock()

	_, err = publisher.Submit(context.Background(), "alice", "Emma", "alice/epubs/Emma.epub")
	require.ErrorIs(t, err, worker.ErrRejected)
	assert.Contains(t, err.Error(), "shutting down")
}

func TestWorker_RejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	_, natsConnection := setupTest(t, &mockStarter{})

	testCases := map[string][]byte{
		"not json":        []byte("{"),
		"missing user":    mustMarshal(t, worker.EpubSubmittedEvent{BookTitle: "Emma", EpubKey: "a/epubs/Emma.epub"}),
		"missing title":   mustMarshal(t, worker.EpubSubmittedEvent{UserID: "a", EpubKey: "a/epubs/Emma.epub"}),
		"missing epubKey": mustMarshal(t, worker.EpubSubmittedEvent{UserID: "a", BookTitle: "Emma"}),
	}

	for name, payload := range testCases {
		replyMsg, err := natsConnection.Request(testSubject, payload, 5*time.Second)
		require.NoError(t, err, name)

		var reply worker.JobAcceptedEvent

		require.NoError(t, json.Unmarshal(replyMsg.Data, &reply), name)
		assert.Empty(t, reply.JobID, name)
		assert.NotEmpty(t, reply.Error, name)
		assert.NotEmpty(t, reply.Header.EventID, name)
	}
}

func mustMarshal(t *testing.T, value any) []byte {
	t.Helper()

	data, err := json.Marshal(value)
	require.NoError(t, err)

	return data
}
