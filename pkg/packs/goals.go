package packs

import (
	"time"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Environments used by the standard deploy goals.
const (
	EnvironmentLocal      = "local"
	EnvironmentStaging    = "staging"
	EnvironmentProduction = "production"
)

// The standard goal catalogue.
var (
	Checks = engine.Goal{
		Name:        "Checks",
		Description: "Run repository checks",
	}

	Review = engine.Goal{
		Name:        "Review",
		Description: "Review code",
	}

	PushReaction = engine.Goal{
		Name:        "PushReaction",
		Description: "React to push",
		Kind:        engine.GoalKindPushReaction,
	}

	Build = engine.Goal{
		Name:        "Build",
		Description: "Build",
		Kind:        engine.GoalKindBuild,
		Timeout:     30 * time.Minute,
	}

	Artifact = engine.Goal{
		Name:        "Artifact",
		Description: "Store artifact",
		Kind:        engine.GoalKindArtifact,
		DependsOn:   []string{"Build"},
	}

	LocalDeployment = engine.Goal{
		Name:        "LocalDeployment",
		Description: "Deploy locally",
		Kind:        engine.GoalKindDeploy,
		Environment: EnvironmentLocal,
		DependsOn:   []string{"Build"},
	}

	StagingDeployment = engine.Goal{
		Name:        "StagingDeployment",
		Description: "Deploy to Test",
		Kind:        engine.GoalKindDeploy,
		Environment: EnvironmentStaging,
		DependsOn:   []string{"Artifact"},
	}

	StagingEndpoint = engine.Goal{
		Name:        "StagingEndpoint",
		Description: "Locate service endpoint in Test",
		Kind:        engine.GoalKindEndpoint,
		Environment: EnvironmentStaging,
		DependsOn:   []string{"StagingDeployment"},
	}

	StagingVerified = engine.Goal{
		Name:        "StagingVerified",
		Description: "Verify Test deployment",
		Kind:        engine.GoalKindVerify,
		Environment: EnvironmentStaging,
		DependsOn:   []string{"StagingEndpoint"},
	}

	StagingUndeployment = engine.Goal{
		Name:        "StagingUndeployment",
		Description: "Undeploy from Test",
		Kind:        engine.GoalKindUndeploy,
		Environment: EnvironmentStaging,
	}

	ProductionDeployment = engine.Goal{
		Name:        "ProductionDeployment",
		Description: "Deploy to Prod",
		Kind:        engine.GoalKindDeploy,
		Environment: EnvironmentProduction,
		DependsOn:   []string{"Artifact"},
	}

	ProductionEndpoint = engine.Goal{
		Name:        "ProductionEndpoint",
		Description: "Locate service endpoint in Prod",
		Kind:        engine.GoalKindEndpoint,
		Environment: EnvironmentProduction,
		DependsOn:   []string{"ProductionDeployment"},
	}

	ProductionUndeployment = engine.Goal{
		Name:        "ProductionUndeployment",
		Description: "Undeploy from Prod",
		Kind:        engine.GoalKindUndeploy,
		Environment: EnvironmentProduction,
	}

	ExplainDeploymentFreeze = engine.Goal{
		Name:        "ExplainDeploymentFreeze",
		Description: "Explain deployment freeze",
		Kind:        engine.GoalKindExplain,
	}

	RepositoryDeletion = engine.Goal{
		Name:        "RepositoryDeletion",
		Description: "Delete repository",
		DependsOn:   []string{"StagingUndeployment", "ProductionUndeployment"},
	}
)

// Catalogue returns every standard goal.
func Catalogue() []engine.Goal {
	return []engine.Goal{
		Checks, Review, PushReaction, Build, Artifact, LocalDeployment,
		StagingDeployment, StagingEndpoint, StagingVerified, StagingUndeployment,
		ProductionDeployment, ProductionEndpoint, ProductionUndeployment,
		ExplainDeploymentFreeze, RepositoryDeletion,
	}
}

// CatalogueGoal looks up a standard goal by name.
func CatalogueGoal(name string) (engine.Goal, bool) {
	for _, g := range Catalogue() {
		if g.Name == name {
			return g, true
		}
	}
	return engine.Goal{}, false
}
