package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/nats-io/nats.go"
)

const kvKeyPrefix = "job."

// KVStore implements core.JobStateStore on a NATS JetStream key-value bucket.
// Updates use the entry revision so a concurrent writer cannot silently overwrite progress.
type KVStore struct {
	bucket string
	kv     nats.KeyValue
}

// NewKV creates the bucket if needed and binds to it.
func NewKV(jetstreamContext nats.JetStreamContext, bucketName string) (*KVStore, error) {
	kv, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Audiobook conversion job progress.",
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		// The bucket may already exist with a different configuration; bind to it.
		existing, bindErr := jetstreamContext.KeyValue(bucketName)
		if bindErr != nil {
			return nil, fmt.Errorf("failed to create key-value bucket '%s': %w", bucketName, err)
		}

		kv = existing
	}

	return &KVStore{bucket: bucketName, kv: kv}, nil
}

// Get returns the state of jobID.
func (s *KVStore) Get(_ context.Context, jobID string) (*core.JobState, error) {
	state, _, err := s.get(jobID)

	return state, err
}

// Save validates the transition from the stored state and writes state.
func (s *KVStore) Save(_ context.Context, state *core.JobState) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", ErrInvalidState)
	}

	prev, revision, err := s.get(state.JobID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}

	err = CheckTransition(prev, state)
	if err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal job state '%s': %w", state.JobID, err)
	}

	key := kvKeyPrefix + state.JobID

	if prev == nil {
		_, err = s.kv.Create(key, data)
	} else {
		_, err = s.kv.Update(key, data, revision)
	}

	if err != nil {
		return fmt.Errorf("failed to write job state '%s' to bucket '%s': %w", state.JobID, s.bucket, err)
	}

	return nil
}

// List returns every stored job state ordered by creation time.
func (s *KVStore) List(_ context.Context) ([]*core.JobState, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []*core.JobState{}, nil
		}

		return nil, fmt.Errorf("failed to list keys of bucket '%s': %w", s.bucket, err)
	}

	states := make([]*core.JobState, 0, len(keys))

	for _, key := range keys {
		if !strings.HasPrefix(key, kvKeyPrefix) {
			continue
		}

		state, _, getErr := s.get(strings.TrimPrefix(key, kvKeyPrefix))
		if getErr != nil {
			if errors.Is(getErr, core.ErrNotFound) {
				continue
			}

			return nil, getErr
		}

		states = append(states, state)
	}

	sortStates(states)

	return states, nil
}

func (s *KVStore) get(jobID string) (*core.JobState, uint64, error) {
	entry, err := s.kv.Get(kvKeyPrefix + jobID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("job '%s': %w", jobID, core.ErrNotFound)
		}

		return nil, 0, fmt.Errorf("failed to get job state '%s': %w", jobID, err)
	}

	var state core.JobState

	err = json.Unmarshal(entry.Value(), &state)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode job state '%s': %w", jobID, err)
	}

	return &state, entry.Revision(), nil
}

func sortStates(states []*core.JobState) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].JobID < states[j].JobID
		}

		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
