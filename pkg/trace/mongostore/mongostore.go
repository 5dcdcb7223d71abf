// Package mongostore wires trace.Store to MongoDB's execution_trace
// collection. Grounded on the teacher's features/run/mongo and
// features/runlog/mongo/clients/mongo, which wrap the v1 mongo-driver
// client behind a small interface for InsertOne/Find; this package follows
// the same shape against go.mongodb.org/mongo-driver/v2, the version
// SPEC_FULL.md's domain stack calls for.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/casys-ai/pml/pkg/trace"
)

const defaultTimeout = 5 * time.Second

// traceDocument is the execution_trace row shape (spec §6 Persisted state).
type traceDocument struct {
	ID             string         `bson:"_id"`
	CapabilityID   string         `bson:"capability_id,omitempty"`
	IntentText     string         `bson:"intent_text"`
	InitialContext map[string]any `bson:"initial_context,omitempty"`
	ExecutedAt     time.Time      `bson:"executed_at"`
	Success        bool           `bson:"success"`
	DurationMs     int64          `bson:"duration_ms"`
	ErrorMessage   string         `bson:"error_message,omitempty"`
	ExecutedPath   []string       `bson:"executed_path,omitempty"`
	Decisions      []decisionDoc  `bson:"decisions,omitempty"`
	TaskResults    []taskDoc      `bson:"task_results,omitempty"`
	Priority       float64        `bson:"priority"`
	ParentTraceID  string         `bson:"parent_trace_id,omitempty"`
}

type decisionDoc struct {
	NodeID  string `bson:"node_id"`
	Outcome string `bson:"outcome"`
}

type taskDoc struct {
	TaskID     string         `bson:"task_id"`
	Tool       string         `bson:"tool"`
	Args       map[string]any `bson:"args,omitempty"`
	Result     any            `bson:"result,omitempty"`
	Success    bool           `bson:"success"`
	DurationMs int64          `bson:"duration_ms"`
}

// Store implements trace.Store against one execution_trace collection.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// Options configures a Store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

const defaultCollection = "execution_trace"

// New builds a mongo-backed trace.Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{Keys: bson.D{{Key: "parent_trace_id", Value: 1}, {Key: "executed_at", Value: 1}}}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}

	return &Store{coll: coll, timeout: timeout}, nil
}

// Save implements trace.Store, upserting by trace id so a retried save after
// a transient Mongo error never double-inserts.
func (s *Store) Save(ctx context.Context, t trace.ExecutionTrace) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := traceDocument{
		ID:             t.ID,
		CapabilityID:   string(t.CapabilityID),
		IntentText:     t.IntentText,
		InitialContext: t.InitialContext,
		ExecutedAt:     t.ExecutedAt.UTC(),
		Success:        t.Success,
		DurationMs:     t.DurationMs,
		ErrorMessage:   t.ErrorMessage,
		ExecutedPath:   t.ExecutedPath,
		Priority:       t.Priority,
		ParentTraceID:  t.ParentTraceID,
	}
	for _, d := range t.Decisions {
		doc.Decisions = append(doc.Decisions, decisionDoc{NodeID: d.NodeID, Outcome: d.Outcome})
	}
	for _, r := range t.TaskResults {
		doc.TaskResults = append(doc.TaskResults, taskDoc{
			TaskID: r.TaskID, Tool: r.Tool, Args: r.Args, Result: r.Result,
			Success: r.Success, DurationMs: r.DurationMs,
		})
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}
