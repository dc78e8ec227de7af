package policy

import "time"

// BuiltinPolicies returns the policies every machine enforces.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionFromDefaultBranchPolicy(),
		deployRequiresArtifactPolicy(),
	}
}

// productionFromDefaultBranchPolicy keeps production deploys on the default branch.
func productionFromDefaultBranchPolicy() Policy {
	return Policy{
		Name:        "production-from-default-branch",
		Description: "Production deployment goals are only allowed for pushes to the default branch",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deploy", "production"},
		UpdatedAt:   time.Now(),
		Rego: `package sdm.policies.production

import rego.v1

deploy_kinds := {"deploy", "endpoint"}

deny contains violation if {
	not input.context.default_branch
	some goal in input.goals
	goal.environment == "production"
	goal.kind in deploy_kinds
	violation := {
		"message": sprintf("%s cannot run for branch %s of %s/%s", [goal.name, input.push.branch, input.push.repo.owner, input.push.repo.name]),
		"severity": "error",
		"goal": goal.name,
	}
}
`,
	}
}

// deployRequiresArtifactPolicy requires remote deployments to ship a stored artifact.
func deployRequiresArtifactPolicy() Policy {
	return Policy{
		Name:        "deploy-requires-artifact",
		Description: "Staging and production deployments need an artifact goal in the same goal set",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"deploy", "artifact"},
		UpdatedAt:   time.Now(),
		Rego: `package sdm.policies.artifact

import rego.v1

has_artifact if {
	some goal in input.goals
	goal.kind == "artifact"
}

deny contains violation if {
	not has_artifact
	some goal in input.goals
	goal.kind == "deploy"
	goal.environment != "local"
	violation := {
		"message": sprintf("%s needs an artifact goal", [goal.name]),
		"goal": goal.name,
	}
}
`,
	}
}
