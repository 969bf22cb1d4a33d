// Package build produces the container image a deploy will launch. Images are
// built on the target host itself so no registry round-trip is needed.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/slipway/internal/shell/remote"
)

// ErrBuildFailed wraps any failure to produce a runnable image.
var ErrBuildFailed = errors.New("image build failed")

// =============================================================================
// Builder Interface
// =============================================================================

// Spec describes what to build or fetch. Exactly one of ImageRef and GitURL
// must be set: a prebuilt image is pulled, a git source is cloned and built.
type Spec struct {
	Project string
	Version string

	// ImageRef names a prebuilt image to pull.
	ImageRef string

	// GitURL and GitRef name a source to clone and build with the repo's
	// Dockerfile.
	GitURL string
	GitRef string
}

// Validate checks that the spec names exactly one source.
func (s Spec) Validate() error {
	if s.ImageRef == "" && s.GitURL == "" {
		return fmt.Errorf("%w: neither image nor git source given", ErrBuildFailed)
	}
	if s.ImageRef != "" && s.GitURL != "" {
		return fmt.Errorf("%w: both image and git source given", ErrBuildFailed)
	}
	return nil
}

// Builder turns a build spec into an image present on the target host.
type Builder interface {
	// Build returns the ref of an image ready to run on the host.
	Build(ctx context.Context, host string, spec Spec) (string, error)
}

// =============================================================================
// Remote Docker Builder
// =============================================================================

// DockerBuilder runs docker pull / git clone / docker build on the target host
// over the connection pool.
type DockerBuilder struct {
	pool   *remote.Pool
	logger *slog.Logger
}

// NewDockerBuilder creates a builder executing on remote hosts.
func NewDockerBuilder(pool *remote.Pool, logger *slog.Logger) *DockerBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerBuilder{
		pool:   pool,
		logger: logger.With("component", "builder"),
	}
}

// Build implements Builder.
func (b *DockerBuilder) Build(ctx context.Context, host string, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	if spec.ImageRef != "" {
		return b.pull(ctx, host, spec.ImageRef)
	}
	return b.buildFromGit(ctx, host, spec)
}

func (b *DockerBuilder) pull(ctx context.Context, host, imageRef string) (string, error) {
	b.logger.Info("pulling image", "host", host, "image", imageRef)
	out, err := b.pool.Exec(ctx, host, "docker", "pull", imageRef)
	if err != nil {
		return "", fmt.Errorf("%w: pull %s: %v: %s", ErrBuildFailed, imageRef, err, tail(out))
	}
	return imageRef, nil
}

func (b *DockerBuilder) buildFromGit(ctx context.Context, host string, spec Spec) (string, error) {
	imageRef := fmt.Sprintf("slipway/%s:%s", spec.Project, spec.Version)
	workDir := fmt.Sprintf("/tmp/slipway-build-%s-%s", spec.Project, spec.Version)
	ref := spec.GitRef
	if ref == "" {
		ref = "HEAD"
	}

	b.logger.Info("building image",
		"host", host,
		"git_url", spec.GitURL,
		"git_ref", ref,
		"image", imageRef,
	)

	// Fresh clone every build. Shallow, single branch.
	if out, err := b.pool.Exec(ctx, host, "rm", "-rf", workDir); err != nil {
		return "", fmt.Errorf("%w: clean workdir: %v: %s", ErrBuildFailed, err, tail(out))
	}
	if out, err := b.pool.Exec(ctx, host, "git", "clone", "--depth", "1", spec.GitURL, workDir); err != nil {
		return "", fmt.Errorf("%w: clone %s: %v: %s", ErrBuildFailed, spec.GitURL, err, tail(out))
	}
	if spec.GitRef != "" {
		if out, err := b.pool.Exec(ctx, host, "git", "-C", workDir, "fetch", "--depth", "1", "origin", spec.GitRef); err != nil {
			return "", fmt.Errorf("%w: fetch %s: %v: %s", ErrBuildFailed, spec.GitRef, err, tail(out))
		}
		if out, err := b.pool.Exec(ctx, host, "git", "-C", workDir, "checkout", "FETCH_HEAD"); err != nil {
			return "", fmt.Errorf("%w: checkout %s: %v: %s", ErrBuildFailed, spec.GitRef, err, tail(out))
		}
	}

	out, err := b.pool.Exec(ctx, host, "docker", "build", "-t", imageRef, workDir)
	if err != nil {
		return "", fmt.Errorf("%w: docker build: %v: %s", ErrBuildFailed, err, tail(out))
	}

	// Workdir cleanup is best-effort; a leftover does not fail the build.
	if _, err := b.pool.Exec(ctx, host, "rm", "-rf", workDir); err != nil {
		b.logger.Warn("build workdir cleanup failed", "host", host, "dir", workDir, "error", err)
	}

	return imageRef, nil
}

// tail returns the last few lines of command output for error messages.
func tail(out string) string {
	out = strings.TrimSpace(out)
	lines := strings.Split(out, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "\n")
}
