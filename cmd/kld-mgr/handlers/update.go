package handlers

import (
	"context"
	"fmt"

	"github.com/kuutamolabs/kld-mgr/internal/upgrade"
)

// DryUpdate prints what an update would change on each targeted host. It
// performs no remote mutation.
func DryUpdate(ctx context.Context, env *Environment) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}

	orchestrator := &upgrade.Orchestrator{
		Cluster:    cluster,
		Dial:       env.dialer(),
		SecretsDir: cluster.Global.SecretDirectory,
		Timeouts:   env.Timeouts,
		Logger:     env.Logger,
	}

	diffs, err := orchestrator.DryUpdate(ctx, hosts)
	if err != nil {
		return err
	}
	for _, diff := range diffs {
		if !diff.Changed() {
			fmt.Fprintf(env.Out, "%s %s up to date\n", okStyle.Render("[OK]"), diff.Host)
			continue
		}
		fmt.Fprintf(env.Out, "%s\n", diff.Host)
		for _, line := range diff.Lines {
			switch {
			case len(line) > 0 && line[0] == '-':
				fmt.Fprintln(env.Out, failStyle.Render(line))
			case len(line) > 0 && line[0] == '+':
				fmt.Fprintln(env.Out, okStyle.Render(line))
			default:
				fmt.Fprintln(env.Out, dimStyle.Render(line))
			}
		}
	}
	return nil
}

// Update rolls the current source state across the targeted hosts.
func Update(ctx context.Context, env *Environment) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}
	if err := env.confirm(ctx, "Activate the new system image on these hosts?", hosts); err != nil {
		return err
	}

	compiler, cleanup, err := newCompiler(ctx, env, cluster)
	if err != nil {
		return err
	}
	defer cleanup()

	orchestrator := &upgrade.Orchestrator{
		Cluster:    cluster,
		Compiler:   compiler,
		Dial:       env.dialer(),
		SecretsDir: cluster.Global.SecretDirectory,
		Timeouts:   env.Timeouts,
		Logger:     env.Logger,
	}

	return env.report("update", updateOutcomes(orchestrator.Update(ctx, hosts)))
}

// Rollback re-activates the prior generation on the targeted hosts.
func Rollback(ctx context.Context, env *Environment) error {
	cluster, hosts, err := env.load()
	if err != nil {
		return err
	}
	if err := env.confirm(ctx, "Roll these hosts back to their previous generation?", hosts); err != nil {
		return err
	}

	orchestrator := &upgrade.Orchestrator{
		Cluster:    cluster,
		Dial:       env.dialer(),
		SecretsDir: cluster.Global.SecretDirectory,
		Timeouts:   env.Timeouts,
		Logger:     env.Logger,
	}

	return env.report("rollback", updateOutcomes(orchestrator.Rollback(ctx, hosts)))
}

func updateOutcomes(results []upgrade.Result) []outcome {
	outcomes := make([]outcome, 0, len(results))
	for _, r := range results {
		detail := ""
		switch {
		case r.Skipped:
			detail = "up to date"
		case r.Generation != "":
			detail = "generation " + r.Generation
			if r.Handoff != "" {
				detail += " via " + r.Handoff
			}
		}
		outcomes = append(outcomes, outcome{Host: r.Host, Detail: detail, Err: r.Err})
	}
	return outcomes
}
