//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"time"

	"ingest-lab/domain"
	"ingest-lab/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type EventSink interface {
	Consume(e event.DomainEvent)
}

// CounterStore backs the rate limiter. The badger implementation is used in
// production, the in-memory one in tests; both expose the same atomic
// increment semantics so limiter logic is exercised identically.
type CounterStore interface {
	// Increment adds delta to the counter and returns the new value.
	// A zero ttl means the counter never expires on its own.
	Increment(key string, delta int64, ttl time.Duration) (int64, error)
	// Decrement subtracts one from the counter, flooring at zero.
	Decrement(key string) error
	Get(key string) (int64, error)
}

// Scanner is the boundary to the external malware scanner.
type Scanner interface {
	// Ping probes scanner liveness.
	Ping(ctx context.Context) error
	// Scan inspects the file at path and returns the verdict.
	Scan(ctx context.Context, path string) (domain.ScanVerdict, error)
}

// ChunkSource provides the chunk payloads for a session. The production
// implementation slices a staged file; tests feed payloads from memory.
type ChunkSource interface {
	Chunks(session *domain.UploadSession) ([]domain.ChunkPayload, error)
}

// BatchQueue is the surface the inbox and tooling use to hand work to the
// orchestrator without depending on its concrete type.
type BatchQueue interface {
	Enqueue(ctx context.Context, batch *domain.Batch, sessions []*domain.UploadSession) error
}
