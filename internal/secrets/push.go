package secrets

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/kuutamolabs/kld-mgr/internal/sshexec"
)

// Push uploads a bundle to a host. Files are streamed into a fresh staging
// directory with their final modes already applied, then moved into place by
// a single remote command, so an interrupted push never leaves a partial
// bundle visible. root prefixes every remote path and is empty in normal
// operation; during installation it points at the mounted target system.
func Push(ctx context.Context, executor sshexec.Executor, bundle *Bundle, root string) error {
	staging, err := makeStaging(ctx, executor, root)
	if err != nil {
		return err
	}
	defer func() {
		// Staging cleanup is best effort, the directory is re-created
		// from scratch on the next push.
		_, _ = executor.Execute(context.WithoutCancel(ctx), fmt.Sprintf("rm -rf %s", staging))
	}()

	dirs := map[string]struct{}{}
	for _, file := range bundle.Files {
		dirs[path.Dir(path.Join(staging, file.RemotePath))] = struct{}{}
		dirs[path.Dir(root+file.RemotePath)] = struct{}{}
	}
	var mkdir []string
	for dir := range dirs {
		mkdir = append(mkdir, dir)
	}
	sort.Strings(mkdir)
	if _, err := executor.Execute(ctx, fmt.Sprintf("mkdir -p -m 0700 %s", strings.Join(mkdir, " "))); err != nil {
		return err
	}

	for _, file := range bundle.Files {
		staged := path.Join(staging, file.RemotePath)
		cmd := fmt.Sprintf("install -m %04o /dev/stdin %s", file.Mode.Perm(), staged)
		if _, err := executor.ExecuteStdin(ctx, cmd, bytes.NewReader(file.Content)); err != nil {
			return err
		}
	}

	var moves []string
	for _, file := range bundle.Files {
		moves = append(moves, fmt.Sprintf("mv -f %s %s", path.Join(staging, file.RemotePath), root+file.RemotePath))
	}
	if _, err := executor.Execute(ctx, strings.Join(moves, " && ")); err != nil {
		return err
	}
	return nil
}

func makeStaging(ctx context.Context, executor sshexec.Executor, root string) (string, error) {
	result, err := executor.Execute(ctx, fmt.Sprintf("mktemp -d %s/tmp/secrets.XXXXXX", root))
	if err != nil {
		return "", err
	}
	staging := strings.TrimSpace(result.Stdout)
	if staging == "" {
		return "", fmt.Errorf("remote mktemp returned no path")
	}
	return staging, nil
}
