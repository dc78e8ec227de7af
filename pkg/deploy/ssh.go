package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/transports/ssh"
)

// SSHDeployerConfig configures an SSHDeployer. Commands may reference
// {artifact} (the uploaded file), {name}, {version} and {environment}.
type SSHDeployerConfig struct {
	// Host is the connection template. A target's Host overrides Host.Host.
	Host ssh.Config

	// RemoteDir is where artifacts are uploaded, one directory per artifact name.
	RemoteDir string

	StartCommand string
	StopCommand  string
}

// SSHDeployer uploads artifacts to a host over SFTP and starts them with a
// remote command.
type SSHDeployer struct {
	config SSHDeployerConfig
	dialer ssh.Dialer
	logger zerolog.Logger
}

// NewSSHDeployer creates a deployer. A nil dialer dials real hosts.
func NewSSHDeployer(config SSHDeployerConfig, dialer ssh.Dialer, logger zerolog.Logger) *SSHDeployer {
	logger = logger.With().Str("component", "ssh-deployer").Logger()
	if dialer == nil {
		dialer = ssh.NetDialer{Logger: logger}
	}
	if config.RemoteDir == "" {
		config.RemoteDir = "/opt/sdm"
	}
	return &SSHDeployer{config: config, dialer: dialer, logger: logger}
}

func (d *SSHDeployer) connect(ctx context.Context, target *engine.Target) (ssh.Session, error) {
	cfg := d.config.Host
	if target.Host != "" {
		cfg.Host = target.Host
	}
	session, err := d.dialer.Dial(ctx, &cfg)
	if err != nil {
		return nil, classify(fmt.Sprintf("failed to connect to %s", cfg.Host), err)
	}
	return session, nil
}

// Deploy implements engine.Deployer.
func (d *SSHDeployer) Deploy(ctx context.Context, artifact *engine.Artifact, target *engine.Target) (*engine.DeploymentHandle, error) {
	if artifact.Path == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("artifact %s has no file to deploy", artifact.Name), nil)
	}
	local := artifact.Path
	if !filepath.IsAbs(local) {
		local = filepath.Join(artifact.Cwd, local)
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, engine.NewPermanentError("failed to open artifact", err)
	}
	defer f.Close()

	session, err := d.connect(ctx, target)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	remote := path.Join(d.config.RemoteDir, artifact.Name, filepath.Base(artifact.Path))
	if _, err := session.Upload(ctx, f, remote, 0o644); err != nil {
		return nil, classify("failed to upload artifact", err)
	}

	vars := d.vars(artifact.Name, artifact.Version, remote, target)
	if err := d.run(ctx, session, d.config.StartCommand, vars); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("environment", target.Environment).
		Str("artifact", remote).
		Msg("Artifact deployed")

	return &engine.DeploymentHandle{
		ID:          fmt.Sprintf("%s-%s-%s", target.Environment, artifact.Name, artifact.Version),
		Environment: target.Environment,
		Endpoint:    target.Endpoint,
		Target:      target,
		Metadata:    map[string]string{"remote_path": remote},
	}, nil
}

// Undeploy implements engine.Deployer.
func (d *SSHDeployer) Undeploy(ctx context.Context, push *engine.PushDescription, target *engine.Target) error {
	session, err := d.connect(ctx, target)
	if err != nil {
		return err
	}
	defer session.Close()

	remote := path.Join(d.config.RemoteDir, push.Repo.Name)
	return d.run(ctx, session, d.config.StopCommand, d.vars(push.Repo.Name, push.SHA, remote, target))
}

func (d *SSHDeployer) vars(name, version, artifact string, target *engine.Target) *strings.Replacer {
	return strings.NewReplacer(
		"{artifact}", artifact,
		"{name}", name,
		"{version}", version,
		"{environment}", target.Environment,
	)
}

func (d *SSHDeployer) run(ctx context.Context, session ssh.Session, command string, vars *strings.Replacer) error {
	if command == "" {
		return nil
	}
	cmd := vars.Replace(command)
	res, err := session.Run(ctx, cmd)
	if err != nil {
		return classify("remote command failed", err)
	}
	if res.ExitCode != 0 {
		return engine.NewPermanentError(fmt.Sprintf("%q exited with code %d", cmd, res.ExitCode), nil).
			WithDetail("stderr", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// classify maps temporary transport errors to transient engine errors.
func classify(msg string, err error) error {
	var te *ssh.TransportError
	if errors.As(err, &te) && te.Temporary() {
		return engine.NewTransientError(msg, err)
	}
	return engine.NewPermanentError(msg, err)
}
