package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func testPush() *PushDescription {
	return &PushDescription{
		ID:            "push-1",
		Repo:          RepoRef{Owner: "team-a", Name: "svc"},
		Branch:        "master",
		DefaultBranch: "master",
		SHA:           "abc123",
		Timestamp:     time.Unix(1700000000, 0),
	}
}

func testEvaluator(extra map[string]Predicate) *Evaluator {
	preds := BuiltinPredicates()
	for k, v := range extra {
		preds[k] = v
	}
	return NewEvaluator(preds, zerolog.Nop())
}

func constPredicate(v bool) Predicate {
	return func(context.Context, *PushDescription) (bool, error) { return v, nil }
}

// countingPredicate counts invocations.
type countingPredicate struct {
	mu    sync.Mutex
	calls int
	value bool
}

func (c *countingPredicate) fn(context.Context, *PushDescription) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.value, nil
}

func (c *countingPredicate) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingGoal records executions and fails on demand.
type recordingGoal struct {
	mu       sync.Mutex
	order    *[]string
	name     string
	failWith []error
	delay    time.Duration
	calls    int
}

func (g *recordingGoal) Execute(ctx context.Context, gc *GoalContext) error {
	g.mu.Lock()
	g.calls++
	call := g.calls
	if g.order != nil {
		*g.order = append(*g.order, gc.Goal.Name)
	}
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if call <= len(g.failWith) {
		return g.failWith[call-1]
	}
	return nil
}

func (g *recordingGoal) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// orderLog is a concurrency-safe execution log.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *orderLog) index(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, n := range l.names {
		if n == name {
			return i
		}
	}
	return -1
}

func logGoal(log *orderLog, err error) GoalImplementation {
	return GoalFunc(func(_ context.Context, gc *GoalContext) error {
		log.add(gc.Goal.Name)
		return err
	})
}

// memoryNotifier collects messages.
type memoryNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *memoryNotifier) AddressChannels(_ context.Context, _ *PushDescription, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *memoryNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func fastExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallel:    4,
		DefaultTimeout: 5 * time.Second,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}
