// Package policy vets resolved goal sets with Open Policy Agent.
//
// Each policy is a Rego module whose package defines a `deny` set. Policies
// see the push and its goals as input:
//
//	{
//	  "push":    {"id": ..., "repo": {"owner": ..., "name": ...}, "branch": ..., "labels": {...}},
//	  "goals":   [{"name": ..., "kind": ..., "environment": ..., "depends_on": [...]}],
//	  "context": {"default_branch": true, "scope": "team-a", "timestamp": ...}
//	}
//
// A deny entry is either a message string or an object with message, severity
// and goal keys. Error and critical entries veto the run with
// POLICY_VIOLATION; info and warning entries are logged.
//
// Two policies are built in: production-from-default-branch and
// deploy-requires-artifact. Further policies load from .rego files, or from
// .json files carrying a Policy document, and can be watched for changes:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/sdm/policies"}); err != nil {
//	    return err
//	}
//	machine := engine.NewMachine(snapshot, engine.MachineOptions{Policy: eng})
package policy
