package engine

import (
	"fmt"
	"strings"
	"time"
)

// RepoRef identifies a source repository.
type RepoRef struct {
	// Owner is the organization or team that owns the repository.
	Owner string `json:"owner" yaml:"owner" validate:"required"`

	// Name is the repository name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// URL is the clone URL, if known.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// String returns "owner/name".
func (r RepoRef) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// BuildTools records which build tools a project uses.
type BuildTools struct {
	Maven bool `json:"maven,omitempty" yaml:"maven,omitempty"`
	Node  bool `json:"node,omitempty" yaml:"node,omitempty"`
}

// FileFlags records the presence of files push tests care about.
type FileFlags struct {
	// CloudFoundryManifest is true when manifest.yml exists at the commit.
	CloudFoundryManifest bool `json:"cloud_foundry_manifest,omitempty" yaml:"cloud_foundry_manifest,omitempty"`

	// SpringBootApplication is true when a @SpringBootApplication class exists.
	SpringBootApplication bool `json:"spring_boot_application,omitempty" yaml:"spring_boot_application,omitempty"`
}

// PushDescription is the immutable record of one code-change event.
// It is created by an external source-control listener and only read afterwards;
// components must not modify a PushDescription they receive.
type PushDescription struct {
	// ID uniquely identifies the push.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Repo is the repository that received the push.
	Repo RepoRef `json:"repo" yaml:"repo" validate:"required"`

	// Branch is the branch that was pushed to.
	Branch string `json:"branch" yaml:"branch" validate:"required"`

	// DefaultBranch is the repository's default branch.
	DefaultBranch string `json:"default_branch" yaml:"default_branch"`

	// SHA is the head commit of the push.
	SHA string `json:"sha" yaml:"sha" validate:"required"`

	// Author is the login of the person who pushed.
	Author string `json:"author,omitempty" yaml:"author,omitempty"`

	// Message is the head commit message.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// Timestamp is when the push was received.
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// BuildTools are the build-tool signals for the project.
	BuildTools BuildTools `json:"build_tools" yaml:"build_tools"`

	// Files are the file-presence flags for the project.
	Files FileFlags `json:"files" yaml:"files"`

	// AddedFiles lists paths added by this push.
	AddedFiles []string `json:"added_files,omitempty" yaml:"added_files,omitempty"`

	// Labels carry free-form signals for scripted predicates.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// DefaultBranch is assumed for pushes and machines that do not name one.
const DefaultBranch = "main"

// IsDefaultBranch reports whether the push targets the default branch.
// A push without a known default branch is compared against DefaultBranch.
func (p *PushDescription) IsDefaultBranch() bool {
	def := p.DefaultBranch
	if def == "" {
		def = DefaultBranch
	}
	return p.Branch == def
}

// Adds reports whether the push added a file with the given base name or path.
func (p *PushDescription) Adds(path string) bool {
	for _, f := range p.AddedFiles {
		if f == path || strings.HasSuffix(f, "/"+path) {
			return true
		}
	}
	return false
}

// Label returns a label value, or "" when the label is absent.
func (p *PushDescription) Label(key string) string {
	if p.Labels == nil {
		return ""
	}
	return p.Labels[key]
}

// Scope returns the freeze scope of the push: the owning team.
func (p *PushDescription) Scope() string {
	return p.Repo.Owner
}
