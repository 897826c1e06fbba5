package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds the sandbox image from a local build context.
func BuildImage(ctx context.Context, contextDir, dockerfile, imageName string) error {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer docker.Close()

	tar, err := goarchive.TarWithOptions(contextDir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}
	slog.Info("sandbox image built", "image", imageName)
	return nil
}

// EnsureImage pulls the sandbox image when it is not present locally.
func EnsureImage(ctx context.Context, imageName string) error {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer docker.Close()

	if _, err := docker.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := docker.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		slog.Warn("error reading pull output", "error", err)
	}
	slog.Info("sandbox image pulled", "image", imageName)
	return nil
}
