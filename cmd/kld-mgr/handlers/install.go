package handlers

import (
	"context"
	"os"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/image"
	"github.com/kuutamolabs/kld-mgr/internal/install"
	"github.com/kuutamolabs/kld-mgr/internal/secrets"
)

// Install provisions the targeted hosts from bare metal.
func Install(ctx context.Context, env *Environment) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}
	if err := env.confirm(ctx, "Wipe disks and install these hosts?", hosts); err != nil {
		return err
	}
	if err := secrets.Ensure(cluster.Global.SecretDirectory, cluster); err != nil {
		return err
	}

	compiler, cleanup, err := newCompiler(ctx, env, cluster)
	if err != nil {
		return err
	}
	defer cleanup()

	orchestrator := &install.Orchestrator{
		Cluster:    cluster,
		Compiler:   compiler,
		Dial:       env.dialer(),
		SecretsDir: cluster.Global.SecretDirectory,
		Timeouts:   env.Timeouts,
		Logger:     env.Logger,
	}

	results := orchestrator.Install(ctx, hosts)
	outcomes := make([]outcome, 0, len(results))
	for _, r := range results {
		outcomes = append(outcomes, outcome{Host: r.Host, Detail: string(r.State), Err: r.Err})
	}
	return env.report("install", outcomes)
}

// newCompiler writes a fresh descriptor set to a temporary directory and
// returns the image compiler over it. The caller removes the directory.
func newCompiler(ctx context.Context, env *Environment, cluster *config.Cluster) (image.Compiler, func(), error) {
	dir, err := os.MkdirTemp("", "kld-mgr-descriptors.")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	if err := writeDescriptors(ctx, env, cluster, dir); err != nil {
		cleanup()
		return nil, nil, err
	}
	compiler := &image.ExecCompiler{Command: cluster.Global.ImageBuilder, Dir: dir}
	if env.Debug {
		compiler.BuildOutput = env.Err
	}
	return compiler, cleanup, nil
}
