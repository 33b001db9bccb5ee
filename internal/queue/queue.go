// Package queue is the durable FIFO of job descriptors shared by the API
// producer and the worker processes, backed by a Redis list.
package queue

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis"
)

// Key is the Redis list holding pending job descriptors.
const Key = "voice:jobs"

// Job describes one unit of work: transcribe and analyze a single audio
// file. Immutable once enqueued; the note id doubles as the job id.
type Job struct {
	NoteID    string `json:"note_id"`
	AudioPath string `json:"audio_path"`
}

// Connect builds the one Redis client a process owns. A bare host gets the
// default port appended. The initial ping is retried briefly so a worker
// starting alongside Redis does not flap.
func Connect(addr string, db int, password string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "6379")
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(func() error { return rc.Ping().Err() }, bo); err != nil {
		rc.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return rc, nil
}

// Queue provides FIFO enqueue/dequeue over the shared job list. Delivery is
// at-least-once: BLPOP removes the entry, so a worker crash after dequeue
// loses the descriptor and leaves the note at its last written status.
type Queue struct {
	rc *redis.Client
}

func New(rc *redis.Client) *Queue {
	return &Queue{rc: rc}
}

// Enqueue appends the descriptor to the tail of the queue. Transport errors
// propagate to the caller; there is no silent failure mode.
func (q *Queue) Enqueue(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := q.rc.RPush(Key, string(data)).Err(); err != nil {
		return fmt.Errorf("enqueueing job for note %s: %w", job.NoteID, err)
	}
	return nil
}

// Dequeue blocks until a descriptor is available or timeout elapses.
// Returns (nil, nil) when there was no work within the timeout.
func (q *Queue) Dequeue(timeout time.Duration) (*Job, error) {
	res, err := q.rc.BLPop(timeout, Key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decoding job payload: %w", err)
	}
	return &job, nil
}
