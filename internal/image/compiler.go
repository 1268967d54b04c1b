package image

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/kuutamolabs/kld-mgr/internal/config"
)

// Ref is an activatable system-image reference as reported by the builder,
// typically a content-addressed store path.
type Ref string

// Compiler produces a bootable system image for one host. The build system
// itself is an external collaborator, the orchestrator only invokes it.
type Compiler interface {
	Compile(ctx context.Context, host *config.HostSpec) (Ref, error)
}

// ExecCompiler invokes the builder command configured in the cluster
// description. The builder is expected to print the resulting image
// reference as the last line of its standard output.
type ExecCompiler struct {
	// Command is the builder executable, from the description's
	// image_builder setting.
	Command string
	// Dir is the descriptor directory produced by WriteDescriptors.
	Dir string
	// BuildOutput receives the builder's progress output when set.
	BuildOutput io.Writer
}

func (c *ExecCompiler) Compile(ctx context.Context, host *config.HostSpec) (Ref, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command, "build", c.Dir, host.Name)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.BuildOutput != nil {
		cmd.Stderr = io.MultiWriter(&stderr, c.BuildOutput)
	}
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("image build for %s failed: %w: %s", host.Name, err, detail)
		}
		return "", fmt.Errorf("image build for %s failed: %w", host.Name, err)
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	ref := strings.TrimSpace(lines[len(lines)-1])
	if ref == "" {
		return "", fmt.Errorf("image build for %s produced no image reference", host.Name)
	}
	return Ref(ref), nil
}
