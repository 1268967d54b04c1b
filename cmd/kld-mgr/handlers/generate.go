package handlers

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuutamolabs/kld-mgr/internal/config"
	"github.com/kuutamolabs/kld-mgr/internal/fingerprint"
	"github.com/kuutamolabs/kld-mgr/internal/image"
	"github.com/kuutamolabs/kld-mgr/internal/secrets"
)

// GenerateExample prints the template cluster description.
func GenerateExample(out io.Writer) error {
	_, err := io.WriteString(out, config.Example())
	return err
}

// GenerateConfig resolves the description and writes the per-host
// descriptors, the fleet hosts file, the source fingerprint record, and any
// missing secrets. It never contacts a remote host.
func GenerateConfig(ctx context.Context, env *Environment, outputDir string) error {
	cluster, _, err := env.load()
	if err != nil {
		return err
	}
	if err := secrets.Ensure(cluster.Global.SecretDirectory, cluster); err != nil {
		return err
	}
	if err := writeDescriptors(ctx, env, cluster, outputDir); err != nil {
		return err
	}
	env.Logger.Info().Str("dir", outputDir).Int("hosts", len(cluster.Hosts)).Msg("descriptors written")
	return nil
}

func writeDescriptors(ctx context.Context, env *Environment, cluster *config.Cluster, dir string) error {
	if err := image.WriteDescriptors(dir, cluster); err != nil {
		return err
	}
	revision, revisionDate := sourceRevision(ctx, env)
	record, err := fingerprint.Generate(dir, revision, revisionDate)
	if err != nil {
		return err
	}
	return fingerprint.WriteRecord(filepath.Join(dir, fingerprint.RecordFile), record)
}

// sourceRevision reports the deployment checkout's git revision. Uncommitted
// or non-git trees fingerprint as "dirty", matching what the image build
// embeds in that case.
func sourceRevision(ctx context.Context, env *Environment) (string, string) {
	rev, err := gitOutput(ctx, "rev-parse", "HEAD")
	if err != nil {
		env.Logger.Debug().Err(err).Msg("no git revision, fingerprinting as dirty")
		return "dirty", time.Now().UTC().Format(time.RFC3339)
	}
	if status, err := gitOutput(ctx, "status", "--porcelain"); err != nil || status != "" {
		return "dirty", time.Now().UTC().Format(time.RFC3339)
	}
	date, err := gitOutput(ctx, "show", "-s", "--format=%cI", "HEAD")
	if err != nil {
		date = time.Now().UTC().Format(time.RFC3339)
	}
	return rev, date
}

func gitOutput(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
