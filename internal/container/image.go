package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildAgentImage builds the runner image from Dockerfile.agent in the
// working directory. Build failures surface in the JSON output stream,
// not the initial response, so the stream is scanned rather than drained.
func BuildAgentImage(ctx context.Context, docker *client.Client, imageName string) error {
	cwd, _ := os.Getwd()

	tar, err := goarchive.TarWithOptions(cwd, &goarchive.TarOptions{
		ExcludePatterns: []string{"data", ".git"},
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: "Dockerfile.agent",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	return scanBuildOutput(resp.Body)
}

func scanBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var line struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&line); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("read build output: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("image build: %s", strings.TrimSpace(line.Error))
		}
	}
}
