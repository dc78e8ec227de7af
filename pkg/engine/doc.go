// Package engine is the core of the software delivery machine: it turns an
// incoming push into a goal set and runs that goal set as a pipeline.
//
// # Overview
//
// Handling a push goes through four steps:
//
//  1. Evaluate - push tests decide which contributors apply (Evaluator, Pass)
//  2. Resolve - matching contributors' goals are unioned into a GoalSet (Resolver)
//  3. Vet - an optional GoalSetPolicy may veto the set
//  4. Execute - goals run in dependency order, concurrently where independent (Executor)
//
// Deploy, endpoint and undeploy goals are served by DeployRules, which pick the
// first matching DeployRule and drive its Deployer, Targeter and Verifier.
//
// # Core Domain Types
//
//   - PushDescription: the immutable record of one push
//   - PushTest: a boolean expression tree over named predicates
//   - Goal: a named unit of delivery work with dependencies
//   - Contributor: a push test guarding a list of goals
//   - GoalSet: the resolved goals for one push plus their ExecutionGraph
//   - ExecutionReport: the terminal state of every goal in a run
//   - ExtensionPack: contributors, rules, predicates and goal code added together
//
// # Registry
//
// Packs are registered on a Registry, which is then frozen into a Snapshot.
// A Machine is built from a Snapshot:
//
//	reg := engine.NewRegistry()
//	if err := reg.Register(pack); err != nil {
//	    return err
//	}
//	snap, err := reg.Freeze()
//	if err != nil {
//	    return err
//	}
//	machine := engine.NewMachine(snap, engine.MachineOptions{Logger: logger})
//	report, err := machine.HandlePush(ctx, push)
//
// # Error Classification
//
// Errors are *EngineError values with a retry class (transient, throttled,
// conflict, permanent) and a code. The executor retries retryable errors with
// exponential backoff; codes such as VERIFICATION_TIMEOUT and DEPLOY_FAILED
// end up in the report:
//
//	if engine.IsVerificationTimeout(res.Err) {
//	    // endpoint never became healthy
//	}
//
// # Thread Safety
//
// Evaluator, Resolver, DeployRules, Executor and Machine are safe for
// concurrent use. Each run gets its own RunState, so concurrent pushes never
// share goal results.
package engine
