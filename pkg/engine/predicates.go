package engine

import "context"

// Built-in predicate names.
const (
	PredicateAnyPush                       = "AnyPush"
	PredicateToDefaultBranch               = "ToDefaultBranch"
	PredicateIsMaven                       = "IsMaven"
	PredicateIsNode                        = "IsNode"
	PredicateHasCloudFoundryManifest       = "HasCloudFoundryManifest"
	PredicateHasSpringBootApplicationClass = "HasSpringBootApplicationClass"
	PredicateAddsCloudFoundryManifest      = "AddsCloudFoundryManifest"
	PredicateIsDeploymentFrozen            = "IsDeploymentFrozen"
)

// CloudFoundryManifestPath is the manifest file Cloud Foundry deploys read.
const CloudFoundryManifestPath = "manifest.yml"

func flag(f func(p *PushDescription) bool) Predicate {
	return func(_ context.Context, p *PushDescription) (bool, error) {
		return f(p), nil
	}
}

// BuiltinPredicates returns the predicates that only read the push.
// IsDeploymentFrozen needs a store and is contributed by the freeze pack.
func BuiltinPredicates() map[string]Predicate {
	return map[string]Predicate{
		PredicateAnyPush:                       flag(func(*PushDescription) bool { return true }),
		PredicateToDefaultBranch:               flag((*PushDescription).IsDefaultBranch),
		PredicateIsMaven:                       flag(func(p *PushDescription) bool { return p.BuildTools.Maven }),
		PredicateIsNode:                        flag(func(p *PushDescription) bool { return p.BuildTools.Node }),
		PredicateHasCloudFoundryManifest:       flag(func(p *PushDescription) bool { return p.Files.CloudFoundryManifest }),
		PredicateHasSpringBootApplicationClass: flag(func(p *PushDescription) bool { return p.Files.SpringBootApplication }),
		PredicateAddsCloudFoundryManifest:      flag(func(p *PushDescription) bool { return p.Adds(CloudFoundryManifestPath) }),
	}
}

// IsDeploymentFrozenPredicate reports whether deployment is frozen for the
// push's scope. Store errors propagate to the evaluator, which treats them as false.
func IsDeploymentFrozenPredicate(store FreezeStore) Predicate {
	return func(ctx context.Context, p *PushDescription) (bool, error) {
		return store.IsFrozen(ctx, p.Scope())
	}
}
