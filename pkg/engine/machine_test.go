package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubReaction struct {
	test  PushTest
	mu    sync.Mutex
	calls int
}

func (r *stubReaction) Name() string   { return "stub-reaction" }
func (r *stubReaction) Test() PushTest { return r.test }

func (r *stubReaction) React(ctx context.Context, push *PushDescription, n Notifier) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return n.AddressChannels(ctx, push, "reacted")
}

type denyAll struct{}

func (denyAll) Check(context.Context, *PushDescription, *GoalSet) error {
	return NewPermanentError("no deploys on friday", nil).WithCode(ErrCodePolicyViolation)
}

func testMachine(t *testing.T, opts MachineOptions, reaction *stubReaction) *Machine {
	t.Helper()
	reg := NewRegistry()
	ok := GoalFunc(func(context.Context, *GoalContext) error { return nil })
	err := reg.Register(ExtensionPack{
		Name: "test",
		Contributors: []Contributor{
			WhenPushSatisfies("base").SetGoals(
				Goal{Name: "Checks"},
				Goal{Name: "PushReaction", Kind: GoalKindPushReaction},
			),
			WhenPushSatisfies("maven", Leaf(PredicateIsMaven)).SetGoals(Goal{Name: "Build", Kind: GoalKindBuild}),
		},
		DisposalContributors: []Contributor{
			WhenPushSatisfies("delete").SetGoals(Goal{Name: "RepositoryDeletion"}),
		},
		Goals: map[string]GoalImplementation{
			"Checks":             ok,
			"Build":              ok,
			"RepositoryDeletion": ok,
		},
		PushReactions: []PushReaction{reaction},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	snap, err := reg.Freeze()
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	opts.Executor = fastExecutorConfig()
	opts.Logger = zerolog.Nop()
	return NewMachine(snap, opts)
}

func TestMachine_HandlePush(t *testing.T) {
	notifier := &memoryNotifier{}
	reaction := &stubReaction{test: Leaf(PredicateIsMaven)}
	m := testMachine(t, MachineOptions{Notifier: notifier}, reaction)

	report, err := m.HandlePush(context.Background(), mavenPush())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Status != RunStatusSucceeded {
		t.Fatalf("Expected success, got %s\n%s", report.Status, report)
	}

	var names []string
	for _, r := range report.Results {
		names = append(names, r.Goal)
	}
	if !reflect.DeepEqual(names, []string{"Checks", "PushReaction", "Build"}) {
		t.Errorf("Unexpected goals: %v", names)
	}
	if reaction.calls != 1 {
		t.Errorf("Expected reaction to run once, got %d", reaction.calls)
	}
	if msgs := notifier.all(); len(msgs) != 1 || msgs[0] != "reacted" {
		t.Errorf("Unexpected notifications: %v", msgs)
	}
}

func TestMachine_ReactionTestGatesReaction(t *testing.T) {
	reaction := &stubReaction{test: Leaf(PredicateIsMaven)}
	m := testMachine(t, MachineOptions{}, reaction)

	if _, err := m.HandlePush(context.Background(), testPush()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if reaction.calls != 0 {
		t.Errorf("Expected reaction not to run for non-maven push, got %d", reaction.calls)
	}
}

func TestMachine_PolicyVeto(t *testing.T) {
	notifier := &memoryNotifier{}
	m := testMachine(t, MachineOptions{Policy: denyAll{}, Notifier: notifier}, &stubReaction{test: Leaf(PredicateAnyPush)})

	_, err := m.HandlePush(context.Background(), testPush())
	if !IsPolicyViolation(err) {
		t.Fatalf("Expected policy violation, got: %v", err)
	}
	if len(notifier.all()) != 1 {
		t.Errorf("Expected the veto to be announced, got %v", notifier.all())
	}
}

func TestMachine_Dispose(t *testing.T) {
	m := testMachine(t, MachineOptions{}, &stubReaction{test: Leaf(PredicateAnyPush)})

	report, err := m.Dispose(context.Background(), testPush())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Goal != "RepositoryDeletion" {
		t.Errorf("Unexpected disposal goals: %+v", report.Results)
	}
}

func TestMachine_RunCommandUnknown(t *testing.T) {
	m := testMachine(t, MachineOptions{}, &stubReaction{test: Leaf(PredicateAnyPush)})
	_, err := m.RunCommand(context.Background(), "nope", nil)
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected not found, got: %v", err)
	}
}

func TestMachine_ConcurrentPushesAreIsolated(t *testing.T) {
	m := testMachine(t, MachineOptions{}, &stubReaction{test: Leaf(PredicateAnyPush)})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			push := mavenPush()
			push.ID = "push-" + string(rune('a'+i))
			report, err := m.HandlePush(context.Background(), push)
			if err != nil {
				errs <- err
				return
			}
			if report.PushID != push.ID || len(report.Results) != 3 {
				errs <- errors.New("report mixed up between pushes")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestMachine_CancelCallerRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	reg := NewRegistry()
	err := reg.Register(ExtensionPack{
		Name:         "slow",
		Contributors: []Contributor{WhenPushSatisfies("slow").SetGoals(Goal{Name: "Long"}, Goal{Name: "After", DependsOn: []string{"Long"}})},
		Goals: map[string]GoalImplementation{
			"Long": GoalFunc(func(ctx context.Context, _ *GoalContext) error {
				once.Do(func() { close(started) })
				<-ctx.Done()
				return ctx.Err()
			}),
			"After": GoalFunc(func(context.Context, *GoalContext) error { return nil }),
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	snap, err := reg.Freeze()
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	m := NewMachine(snap, MachineOptions{Executor: fastExecutorConfig(), Logger: zerolog.Nop()})

	if m.Cancel("run-42") {
		t.Fatal("Expected unknown run to be inactive")
	}

	type outcome struct {
		report *ExecutionReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := m.HandlePushRun(context.Background(), "run-42", testPush())
		done <- outcome{r, err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Goal never started")
	}
	if !m.Cancel("run-42") {
		t.Fatal("Expected run to be active")
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after cancel")
	}
	if out.err != nil {
		t.Fatalf("Expected no error, got: %v", out.err)
	}
	if out.report.RunID != "run-42" {
		t.Errorf("Expected run ID run-42, got: %s", out.report.RunID)
	}
	if out.report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled run, got %s", out.report.Status)
	}
	long, _ := out.report.Result("Long")
	if long.ErrorCode != ErrCodeCancelled {
		t.Errorf("Expected Long failed with %s, got %s", ErrCodeCancelled, long.ErrorCode)
	}
}
