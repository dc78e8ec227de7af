package engine

import "sync"

// RunState is the per-run table goals use to pass results downstream:
// the build artifact and the deployment handles produced by deploy goals.
// It is isolated per run, so concurrent pushes never observe each other.
type RunState struct {
	mu       sync.RWMutex
	artifact *Artifact
	handles  map[string]*DeploymentHandle
	values   map[string]string
}

// NewRunState creates an empty run state.
func NewRunState() *RunState {
	return &RunState{
		handles: make(map[string]*DeploymentHandle),
		values:  make(map[string]string),
	}
}

// SetArtifact records the artifact built for this run.
func (s *RunState) SetArtifact(a *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = a
}

// Artifact returns the artifact built for this run, if any.
func (s *RunState) Artifact() (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifact, s.artifact != nil
}

// PutHandle records the handle produced by the named deploy goal.
func (s *RunState) PutHandle(deployGoal string, h *DeploymentHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[deployGoal] = h
}

// Handle returns the handle produced by the named deploy goal.
func (s *RunState) Handle(deployGoal string) (*DeploymentHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[deployGoal]
	return h, ok
}

// Set stores a free-form value.
func (s *RunState) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns a free-form value.
func (s *RunState) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}
