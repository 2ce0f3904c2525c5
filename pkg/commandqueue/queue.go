// Package commandqueue keeps the live per-agent command queues in a NATS
// JetStream key-value bucket. The command history repository consults them
// to recover export destinations missing from cold storage.
package commandqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"github.com/plaenen/commandhistory/pkg/validators"
)

// DefaultBucket is the key-value bucket holding queued commands.
const DefaultBucket = "COMMAND_QUEUES"

// Config configures the queue bucket.
type Config struct {
	// Bucket is the JetStream key-value bucket name.
	Bucket string

	// TTL expires queued commands that were never dequeued. Zero keeps them.
	TTL time.Duration

	// Replicas is the bucket replication factor.
	Replicas int
}

// DefaultConfig returns a single-replica bucket with a 30 day TTL.
func DefaultConfig() Config {
	return Config{
		Bucket:   DefaultBucket,
		TTL:      30 * 24 * time.Hour,
		Replicas: 1,
	}
}

// Message is the stored form of a queued command.
type Message struct {
	Raw        string                     `json:"raw"`
	Export     *privacy.ExportDestination `json:"export,omitempty"`
	EnqueuedAt time.Time                  `json:"enqueuedAt"`
}

// Factory opens JetStream-backed queues.
type Factory struct {
	kv     nats.KeyValue
	logger *slog.Logger
}

var _ commandhistory.QueueFactory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory binds to the queue bucket, creating it if needed.
func NewFactory(js nats.JetStreamContext, config Config, opts ...Option) (*Factory, error) {
	if config.Bucket == "" {
		config.Bucket = DefaultBucket
	}
	if config.Replicas <= 0 {
		config.Replicas = 1
	}

	kv, err := js.KeyValue(config.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      config.Bucket,
			Description: "privacy command queues",
			TTL:         config.TTL,
			Replicas:    config.Replicas,
			Storage:     nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind queue bucket %s: %w", config.Bucket, err)
	}

	f := &Factory{kv: kv, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "commandqueue")
	return f, nil
}

// Queue returns the queue of one agent, asset group and subject type.
// Document-backed queues are not served by this factory; the returned
// queue supports no lease receipts.
func (f *Factory) Queue(agentID privacy.AgentID, assetGroupID privacy.AssetGroupID, subjectType privacy.SubjectType, storageType privacy.QueueStorageType) commandhistory.CommandQueue {
	if storageType != privacy.QueueStorageJetStream {
		return unsupportedQueue{}
	}
	return &Queue{
		kv:           f.kv,
		agentID:      agentID,
		assetGroupID: assetGroupID,
		subjectType:  subjectType,
		logger:       f.logger,
	}
}

// JetStreamQueue is Queue with the jetstream storage type, for callers that
// also enqueue.
func (f *Factory) JetStreamQueue(agentID privacy.AgentID, assetGroupID privacy.AssetGroupID, subjectType privacy.SubjectType) *Queue {
	return f.Queue(agentID, assetGroupID, subjectType, privacy.QueueStorageJetStream).(*Queue)
}

// Queue is one agent's queue for one subject type.
type Queue struct {
	kv           nats.KeyValue
	agentID      privacy.AgentID
	assetGroupID privacy.AssetGroupID
	subjectType  privacy.SubjectType
	logger       *slog.Logger
}

var _ commandhistory.CommandQueue = (*Queue)(nil)

// SupportsLeaseReceipt reports whether lr was issued by this queue.
func (q *Queue) SupportsLeaseReceipt(lr privacy.LeaseReceipt) bool {
	return lr.QueueStorageType == privacy.QueueStorageJetStream &&
		lr.AgentID == q.agentID &&
		lr.AssetGroupID == q.assetGroupID &&
		lr.SubjectType == q.subjectType
}

// Enqueue stores raw with an optional export destination.
func (q *Queue) Enqueue(ctx context.Context, raw privacy.RawCommand, export *privacy.ExportDestination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if export != nil {
		if err := validators.ExportDestination(export.ContainerURI, export.ContainerPath); err != nil {
			return fmt.Errorf("%w: %v", commandhistory.ErrInvalidArgument, err)
		}
	}
	payload, err := raw.Encode()
	if err != nil {
		return err
	}
	data, err := json.Marshal(Message{Raw: payload, Export: export, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if _, err := q.kv.Put(q.key(raw.CommandID), data); err != nil {
		return fmt.Errorf("failed to enqueue command %s: %w", raw.CommandID, err)
	}
	q.logger.DebugContext(ctx, "command enqueued", "command_id", raw.CommandID, "agent_id", q.agentID)
	return nil
}

// Remove deletes a command from the queue. Removing an absent command is
// not an error.
func (q *Queue) Remove(ctx context.Context, id privacy.CommandID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.kv.Delete(q.key(id)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to remove command %s: %w", id, err)
	}
	return nil
}

// QueryCommand returns the command lr leases, or nil if it is no longer
// queued.
func (q *Queue) QueryCommand(ctx context.Context, lr privacy.LeaseReceipt) (*privacy.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !q.SupportsLeaseReceipt(lr) {
		return nil, fmt.Errorf("%w: lease receipt for %s/%s does not belong to this queue",
			commandhistory.ErrInvalidArgument, lr.AgentID, lr.AssetGroupID)
	}

	entry, err := q.kv.Get(q.key(lr.CommandID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queued command %s: %w", lr.CommandID, err)
	}

	var msg Message
	if err := json.Unmarshal(entry.Value(), &msg); err != nil {
		return nil, fmt.Errorf("%w: queued command %s: %v", commandhistory.ErrDataIntegrity, lr.CommandID, err)
	}
	cmd, err := privacy.NewParser(lr).Parse(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: queued command %s: %v", commandhistory.ErrDataIntegrity, lr.CommandID, err)
	}
	cmd.Export = msg.Export
	receipt := lr
	cmd.LeaseReceipt = &receipt
	return cmd, nil
}

// key builds "<agent>.<asset group>.<subject type>.<command>" with each
// identifier encoded into the key alphabet.
func (q *Queue) key(id privacy.CommandID) string {
	return strings.Join([]string{
		encodeToken(string(q.agentID)),
		encodeToken(string(q.assetGroupID)),
		encodeToken(string(q.subjectType)),
		encodeToken(string(id)),
	}, ".")
}

func encodeToken(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

type unsupportedQueue struct{}

func (unsupportedQueue) SupportsLeaseReceipt(privacy.LeaseReceipt) bool { return false }

func (unsupportedQueue) QueryCommand(context.Context, privacy.LeaseReceipt) (*privacy.Command, error) {
	return nil, nil
}
