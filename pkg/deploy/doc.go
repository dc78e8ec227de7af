// Package deploy provides concrete deploy-rule collaborators: an SSH deployer
// for long-running hosts, an HTTP endpoint verifier and a targeter resolving
// environments from configuration.
package deploy
