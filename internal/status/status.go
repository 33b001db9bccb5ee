// Package status carries transient per-job progress events over Redis
// pub/sub. Events are fire-and-forget; the durable mirror is the status
// column on the note row.
package status

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/go-redis/redis"
)

// Status is one step of the job state machine.
type Status string

const (
	Queued        Status = "queued"
	Processing    Status = "processing"
	STT           Status = "stt"
	STTDone       Status = "stt_done"
	Analyzing     Status = "analyzing"
	AnalyzingDone Status = "analyzing_done"
	Completed     Status = "completed"
	Failed        Status = "failed"
)

// Terminal reports whether no further transitions occur for the job.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Message is the wire format published on a job's status channel.
type Message struct {
	NoteID   string `json:"note_id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

// ChannelFor returns the pub/sub channel name for a job.
func ChannelFor(noteID string) string {
	return "voice:status:" + noteID
}

// Publisher publishes progress events. Publication has no acknowledgment
// and the message itself is not persisted.
type Publisher struct {
	rc *redis.Client
}

func NewPublisher(rc *redis.Client) *Publisher {
	return &Publisher{rc: rc}
}

func (p *Publisher) Publish(noteID string, st Status, progress int) error {
	data, err := json.Marshal(Message{NoteID: noteID, Status: st, Progress: progress})
	if err != nil {
		return fmt.Errorf("encoding status message: %w", err)
	}
	if err := p.rc.Publish(ChannelFor(noteID), string(data)).Err(); err != nil {
		return fmt.Errorf("publishing %s for note %s: %w", st, noteID, err)
	}
	return nil
}

// Subscriber opens per-job subscriptions for bridge connections.
type Subscriber struct {
	rc *redis.Client
}

func NewSubscriber(rc *redis.Client) *Subscriber {
	return &Subscriber{rc: rc}
}

func (s *Subscriber) Subscribe(noteID string) (*Subscription, error) {
	ps := s.rc.Subscribe(ChannelFor(noteID))
	// Force the subscribe round-trip so a dead Redis surfaces here, not on
	// the first receive.
	if _, err := ps.Receive(); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to note %s: %w", noteID, err)
	}
	return &Subscription{ps: ps}, nil
}

// Subscription is a handle on one job's status channel.
type Subscription struct {
	ps *redis.PubSub
}

// Receive waits up to timeout for the next event. Returns (nil, nil) when
// the timeout elapses without a message.
func (s *Subscription) Receive(timeout time.Duration) (*Message, error) {
	raw, err := s.ps.ReceiveTimeout(timeout)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("receiving status event: %w", err)
	}

	m, ok := raw.(*redis.Message)
	if !ok {
		// Subscription confirmations and pongs are not events.
		return nil, nil
	}

	var msg Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		return nil, fmt.Errorf("decoding status event: %w", err)
	}
	return &msg, nil
}

// Close unsubscribes and releases the channel handle.
func (s *Subscription) Close() error {
	return s.ps.Close()
}
