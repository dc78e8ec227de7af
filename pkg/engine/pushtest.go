package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// TestOp is the node type of a push test expression.
type TestOp string

const (
	// TestOpLeaf evaluates a named predicate.
	TestOpLeaf TestOp = "leaf"

	// TestOpAnd is true when every operand is true. An empty And is true.
	TestOpAnd TestOp = "and"

	// TestOpOr is true when any operand is true. An empty Or is false.
	TestOpOr TestOp = "or"

	// TestOpNot negates its single operand.
	TestOpNot TestOp = "not"
)

// PushTest is a boolean expression over a push. It is a plain value tree so it
// can be compared, logged and inspected; evaluation looks predicates up by name.
type PushTest struct {
	Op        TestOp     `json:"op"`
	Predicate string     `json:"predicate,omitempty"`
	Operands  []PushTest `json:"operands,omitempty"`
}

// Leaf returns a test that evaluates the named predicate.
func Leaf(predicate string) PushTest {
	return PushTest{Op: TestOpLeaf, Predicate: predicate}
}

// All returns the conjunction of tests. A single test is returned unchanged.
func All(tests ...PushTest) PushTest {
	if len(tests) == 1 {
		return tests[0]
	}
	return PushTest{Op: TestOpAnd, Operands: append([]PushTest(nil), tests...)}
}

// Any returns the disjunction of tests.
func Any(tests ...PushTest) PushTest {
	if len(tests) == 1 {
		return tests[0]
	}
	return PushTest{Op: TestOpOr, Operands: append([]PushTest(nil), tests...)}
}

// Not negates a test.
func Not(test PushTest) PushTest {
	return PushTest{Op: TestOpNot, Operands: []PushTest{test}}
}

// String renders the expression, e.g. "and(IsMaven, not(ToDefaultBranch))".
func (t PushTest) String() string {
	switch t.Op {
	case TestOpLeaf:
		return t.Predicate
	case TestOpAnd, TestOpOr, TestOpNot:
		parts := make([]string, len(t.Operands))
		for i, op := range t.Operands {
			parts[i] = op.String()
		}
		return fmt.Sprintf("%s(%s)", t.Op, strings.Join(parts, ", "))
	default:
		return fmt.Sprintf("invalid(%s)", t.Op)
	}
}

// Predicates returns the sorted distinct predicate names referenced by the test.
func (t PushTest) Predicates() []string {
	seen := make(map[string]bool)
	var walk func(PushTest)
	walk = func(n PushTest) {
		if n.Op == TestOpLeaf {
			seen[n.Predicate] = true
		}
		for _, op := range n.Operands {
			walk(op)
		}
	}
	walk(t)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Predicate is a named condition over a push. Predicates may perform lookups
// (the freeze gate queries a store) but must not modify anything.
type Predicate func(ctx context.Context, push *PushDescription) (bool, error)

// Evaluator evaluates push tests against a table of predicates.
type Evaluator struct {
	predicates map[string]Predicate
	logger     zerolog.Logger
}

// NewEvaluator creates an evaluator over a copy of the given predicate table.
func NewEvaluator(predicates map[string]Predicate, logger zerolog.Logger) *Evaluator {
	table := make(map[string]Predicate, len(predicates))
	for name, p := range predicates {
		table[name] = p
	}
	return &Evaluator{
		predicates: table,
		logger:     logger.With().Str("component", "push-test-evaluator").Logger(),
	}
}

// HasPredicate reports whether a predicate is registered under name.
func (e *Evaluator) HasPredicate(name string) bool {
	_, ok := e.predicates[name]
	return ok
}

// Evaluate evaluates a single test against a push in a fresh pass.
func (e *Evaluator) Evaluate(ctx context.Context, test PushTest, push *PushDescription) bool {
	return e.NewPass(push).Evaluate(ctx, test)
}

// NewPass starts an evaluation pass for one push. Within a pass every
// predicate is invoked at most once, so lookups stay consistent even if the
// underlying store changes mid-resolution.
func (e *Evaluator) NewPass(push *PushDescription) *Pass {
	return &Pass{
		evaluator: e,
		push:      push,
		memo:      make(map[string]bool),
	}
}

// Pass memoizes predicate results for one push.
type Pass struct {
	evaluator *Evaluator
	push      *PushDescription

	mu   sync.Mutex
	memo map[string]bool
}

// Evaluate evaluates test. It never fails: unknown predicates, predicate
// errors and panics all count as false.
func (p *Pass) Evaluate(ctx context.Context, test PushTest) bool {
	if p.push == nil {
		return false
	}

	switch test.Op {
	case TestOpLeaf:
		return p.leaf(ctx, test.Predicate)
	case TestOpAnd:
		for _, op := range test.Operands {
			if !p.Evaluate(ctx, op) {
				return false
			}
		}
		return true
	case TestOpOr:
		for _, op := range test.Operands {
			if p.Evaluate(ctx, op) {
				return true
			}
		}
		return false
	case TestOpNot:
		if len(test.Operands) != 1 {
			return false
		}
		return !p.Evaluate(ctx, test.Operands[0])
	default:
		return false
	}
}

func (p *Pass) leaf(ctx context.Context, name string) bool {
	p.mu.Lock()
	if v, ok := p.memo[name]; ok {
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	v := p.invoke(ctx, name)

	p.mu.Lock()
	p.memo[name] = v
	p.mu.Unlock()
	return v
}

func (p *Pass) invoke(ctx context.Context, name string) (result bool) {
	pred, ok := p.evaluator.predicates[name]
	if !ok {
		p.evaluator.logger.Debug().Str("predicate", name).Msg("Unknown predicate evaluated as false")
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			p.evaluator.logger.Error().
				Str("predicate", name).
				Str("push_id", p.push.ID).
				Interface("panic", r).
				Msg("Predicate panicked, treating as false")
			result = false
		}
	}()

	v, err := pred(ctx, p.push)
	if err != nil {
		p.evaluator.logger.Warn().Err(err).
			Str("predicate", name).
			Str("push_id", p.push.ID).
			Msg("Predicate failed, treating as false")
		return false
	}
	return v
}
