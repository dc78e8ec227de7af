package packs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Freeze command names.
const (
	CommandDeployEnable  = "deploy.enable"
	CommandDeployDisable = "deploy.disable"
	CommandDeployStatus  = "deploy.status"
)

// FreezePack returns the pack that gates deployment on store: the
// IsDeploymentFrozen predicate, the goal explaining a freeze and the commands
// toggling it, and the reaction lifting a freeze when a manifest is added. Commands take a "scope" parameter naming the repository owner.
func FreezePack(store engine.FreezeStore, metrics engine.MetricsRecorder, logger zerolog.Logger) engine.ExtensionPack {
	cmds := engine.NewFreezeCommands(store, metrics, logger)

	return engine.ExtensionPack{
		Name:        "deployment-freeze",
		Version:     "1.0.0",
		Description: "Allow deployment to be frozen per owner",
		Predicates: map[string]engine.Predicate{
			engine.PredicateIsDeploymentFrozen: engine.IsDeploymentFrozenPredicate(store),
		},
		Goals: map[string]engine.GoalImplementation{
			ExplainDeploymentFreeze.Name: engine.GoalFunc(func(ctx context.Context, gc *engine.GoalContext) error {
				return address(ctx, gc, engine.FreezeMessage(gc.Push.Scope()))
			}),
		},
		PushReactions: []engine.PushReaction{ManifestAdditionReaction{Commands: cmds}},
		Commands: []engine.Command{
			{
				Name:        CommandDeployEnable,
				Description: "Enable deployment",
				Handler: func(ctx context.Context, params map[string]string) (string, error) {
					if err := cmds.EnableDeploy(ctx, params["scope"]); err != nil {
						return "", err
					}
					return fmt.Sprintf("Deployment enabled for %s", params["scope"]), nil
				},
			},
			{
				Name:        CommandDeployDisable,
				Description: "Disable deployment",
				Handler: func(ctx context.Context, params map[string]string) (string, error) {
					if err := cmds.DisableDeploy(ctx, params["scope"]); err != nil {
						return "", err
					}
					return fmt.Sprintf("Deployment disabled for %s", params["scope"]), nil
				},
			},
			{
				Name:        CommandDeployStatus,
				Description: "Show whether deployment is enabled",
				Handler: func(ctx context.Context, params map[string]string) (string, error) {
					enabled, err := cmds.IsDeployEnabled(ctx, params["scope"])
					if err != nil {
						return "", err
					}
					if enabled {
						return fmt.Sprintf("Deployment is enabled for %s", params["scope"]), nil
					}
					return fmt.Sprintf("Deployment is disabled for %s", params["scope"]), nil
				},
			},
		},
	}
}

// ManifestAdditionReaction enables deployment for the pushing owner when a
// push adds a Cloud Foundry manifest, and tells the push's channels.
type ManifestAdditionReaction struct {
	Commands *engine.FreezeCommands
}

// Name implements engine.PushReaction.
func (ManifestAdditionReaction) Name() string { return "enable-deploy-on-manifest-addition" }

// Test implements engine.PushReaction.
func (ManifestAdditionReaction) Test() engine.PushTest {
	return engine.Leaf(engine.PredicateAddsCloudFoundryManifest)
}

// React implements engine.PushReaction.
func (r ManifestAdditionReaction) React(ctx context.Context, push *engine.PushDescription, n engine.Notifier) error {
	if err := r.Commands.EnableDeploy(ctx, push.Scope()); err != nil {
		return err
	}
	return n.AddressChannels(ctx, push, fmt.Sprintf(
		"%s added a Cloud Foundry manifest to %s: deployment is now enabled", push.Author, push.Repo))
}
