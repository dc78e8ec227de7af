package packs

import (
	"fmt"

	"github.com/sdmkit/sdm/pkg/engine"
)

var (
	anyPush         = engine.Leaf(engine.PredicateAnyPush)
	toDefaultBranch = engine.Leaf(engine.PredicateToDefaultBranch)
	isMaven         = engine.Leaf(engine.PredicateIsMaven)
	isNode          = engine.Leaf(engine.PredicateIsNode)
	hasCFManifest   = engine.Leaf(engine.PredicateHasCloudFoundryManifest)
	hasSpringBoot   = engine.Leaf(engine.PredicateHasSpringBootApplicationClass)
	isFrozen        = engine.Leaf(engine.PredicateIsDeploymentFrozen)
)

// Contributors returns the standard goal contributors in registration order.
//
// Staging goals go to pushes off the default branch and production goals to
// unfrozen pushes on it, so a default-branch push never deploys to both.
func Contributors() []engine.Contributor {
	return []engine.Contributor{
		engine.WhenPushSatisfies("checks", anyPush).
			SetGoals(Checks, Review, PushReaction),
		engine.WhenPushSatisfies("deployment-freeze", isFrozen).
			SetGoals(ExplainDeploymentFreeze),
		engine.WhenPushSatisfies("build", engine.Any(isMaven, isNode)).
			SetGoals(Build),
		engine.WhenPushSatisfies("local-deploy", hasSpringBoot, engine.Not(toDefaultBranch)).
			SetGoals(LocalDeployment),
		engine.WhenPushSatisfies("staging-deploy", hasCFManifest, engine.Not(toDefaultBranch)).
			SetGoals(Artifact, StagingDeployment, StagingEndpoint, StagingVerified),
		engine.WhenPushSatisfies("production-deploy", hasCFManifest, engine.Not(isFrozen), toDefaultBranch).
			SetGoals(Artifact, ProductionDeployment, ProductionEndpoint),
	}
}

// ScriptedContributor builds a contributor from configuration: it proposes the
// named catalogue goals for pushes that satisfy every named predicate.
func ScriptedContributor(name string, predicates, goals []string) (engine.Contributor, error) {
	tests := make([]engine.PushTest, len(predicates))
	for i, p := range predicates {
		tests[i] = engine.Leaf(p)
	}
	proposed := make([]engine.Goal, 0, len(goals))
	for _, g := range goals {
		goal, ok := CatalogueGoal(g)
		if !ok {
			return engine.Contributor{}, engine.NewConfigurationError(
				fmt.Sprintf("contributor %s proposes unknown goal %s", name, g), nil)
		}
		proposed = append(proposed, goal)
	}
	return engine.WhenPushSatisfies(name, tests...).SetGoals(proposed...), nil
}

// DisposalContributors returns the contributors used when a repository is
// disposed of.
func DisposalContributors() []engine.Contributor {
	return []engine.Contributor{
		engine.WhenPushSatisfies("undeploy-everywhere", isMaven, hasSpringBoot, hasCFManifest).
			SetGoals(StagingUndeployment, ProductionUndeployment),
		engine.WhenPushSatisfies("repository-deletion", anyPush).
			SetGoals(RepositoryDeletion),
	}
}

// DeployTargets holds the deploy spec of each environment.
type DeployTargets struct {
	Local      engine.DeploySpec
	Staging    engine.DeploySpec
	Production engine.DeploySpec
}

// DeployRules returns the standard deploy rules. Local deployment is for
// Spring Boot applications; staging and production deploy Maven projects.
func DeployRules(targets DeployTargets) []engine.DeployRule {
	var rules []engine.DeployRule
	if targets.Local.Deployer != nil {
		rules = append(rules, engine.DeployRule{
			Name:       "local",
			Test:       hasSpringBoot,
			DeployGoal: LocalDeployment.Name,
			Spec:       targets.Local,
		})
	}
	return append(rules,
		engine.DeployRule{
			Name:         "staging",
			Test:         isMaven,
			DeployGoal:   StagingDeployment.Name,
			EndpointGoal: StagingEndpoint.Name,
			UndeployGoal: StagingUndeployment.Name,
			Spec:         targets.Staging,
		},
		engine.DeployRule{
			Name:         "production",
			Test:         isMaven,
			DeployGoal:   ProductionDeployment.Name,
			EndpointGoal: ProductionEndpoint.Name,
			UndeployGoal: ProductionUndeployment.Name,
			Spec:         targets.Production,
		},
	)
}
