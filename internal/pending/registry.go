// Package pending correlates in-flight scan requests with the asynchronous
// outcomes the host reports for them.
package pending

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/scan"
)

// ErrDuplicateToken is returned when a token is already registered.
var ErrDuplicateToken = errors.New("token already registered")

// Operation is a scan awaiting its outcome. Its responder is used exactly
// once, by whoever removes the operation from the registry.
type Operation struct {
	Token     scan.Token
	Kind      scan.Kind
	Method    string
	PageLimit int
	Responder channel.Responder
	CreatedAt time.Time
}

// Summary is the externally visible view of an Operation.
type Summary struct {
	Token     scan.Token `json:"token"`
	Kind      scan.Kind  `json:"kind"`
	Method    string     `json:"method"`
	PageLimit int        `json:"page_limit"`
	CreatedAt time.Time  `json:"created_at"`
	Age       string     `json:"age"`
}

// Registry holds pending operations keyed by token. All methods are safe
// for concurrent use; removal is atomic so an operation is handed out once.
type Registry struct {
	mu  sync.Mutex
	ops map[scan.Token]*Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[scan.Token]*Operation)}
}

// Register stores op under its token.
func (r *Registry) Register(op *Operation) error {
	if op == nil || op.Token == "" {
		return errors.New("operation requires a token")
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Token]; exists {
		return ErrDuplicateToken
	}
	r.ops[op.Token] = op
	return nil
}

// TakeFor removes and returns the operation for token.
func (r *Registry) TakeFor(token scan.Token) (*Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[token]
	if ok {
		delete(r.ops, token)
	}
	return op, ok
}

// DrainAll removes every pending operation and returns them oldest first.
func (r *Registry) DrainAll() []*Operation {
	r.mu.Lock()
	drained := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		drained = append(drained, op)
	}
	r.ops = make(map[scan.Token]*Operation)
	r.mu.Unlock()

	sortOldestFirst(drained)
	return drained
}

// Expire removes operations created before cutoff.
func (r *Registry) Expire(cutoff time.Time) []*Operation {
	r.mu.Lock()
	var expired []*Operation
	for token, op := range r.ops {
		if op.CreatedAt.Before(cutoff) {
			expired = append(expired, op)
			delete(r.ops, token)
		}
	}
	r.mu.Unlock()

	sortOldestFirst(expired)
	return expired
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

func (r *Registry) Has(token scan.Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ops[token]
	return ok
}

// HasKind reports whether any pending operation is of kind k.
func (r *Registry) HasKind(k scan.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		if op.Kind == k {
			return true
		}
	}
	return false
}

// Snapshot lists pending operations oldest first.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	ops := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	sortOldestFirst(ops)
	now := time.Now()
	out := make([]Summary, 0, len(ops))
	for _, op := range ops {
		out = append(out, Summary{
			Token:     op.Token,
			Kind:      op.Kind,
			Method:    op.Method,
			PageLimit: op.PageLimit,
			CreatedAt: op.CreatedAt,
			Age:       now.Sub(op.CreatedAt).Truncate(time.Millisecond).String(),
		})
	}
	return out
}

func sortOldestFirst(ops []*Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].Token < ops[j].Token
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}
