package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/sdmkit/sdm/pkg/engine"
)

// StaticTargeter resolves targets from a fixed table keyed by environment.
// Endpoints and hosts may reference {owner}, {repo} and {branch}.
type StaticTargeter struct {
	targets map[string]engine.Target
}

// NewStaticTargeter creates a targeter over targets.
func NewStaticTargeter(targets map[string]engine.Target) *StaticTargeter {
	copied := make(map[string]engine.Target, len(targets))
	for env, t := range targets {
		if t.Environment == "" {
			t.Environment = env
		}
		copied[env] = t
	}
	return &StaticTargeter{targets: copied}
}

// TargetFor implements engine.Targeter.
func (s *StaticTargeter) TargetFor(_ context.Context, goal engine.Goal, push *engine.PushDescription) (*engine.Target, error) {
	t, ok := s.targets[goal.Environment]
	if !ok {
		return nil, fmt.Errorf("no target configured for environment %q", goal.Environment)
	}

	r := strings.NewReplacer("{owner}", push.Repo.Owner, "{repo}", push.Repo.Name, "{branch}", push.Branch)
	t.Endpoint = r.Replace(t.Endpoint)
	t.Host = r.Replace(t.Host)
	if len(t.Properties) > 0 {
		props := make(map[string]string, len(t.Properties))
		for k, v := range t.Properties {
			props[k] = r.Replace(v)
		}
		t.Properties = props
	}
	return &t, nil
}
