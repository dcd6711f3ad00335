// Package volumes materializes an in-memory set of files and
// directories as a named Docker volume, by writing them into a tar
// stream, creating the volume, and extracting the tar into a
// throwaway helper container that mounts it.
//
// This is how execution-specific configuration and parameter files
// get into a container without baking them into the snapshot image.
// The resulting volume is mounted at VolumeMountPath in the execution
// container, with OutputSubPath reserved for artifacts the command
// writes back out.
package volumes

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	dockervolume "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

const (
	// VolumeMountPath is where the configuration/parameter volume is
	// mounted inside the execution container. The name is a holdover
	// from the original system and kept verbatim as a naming artifact,
	// not a design choice worth re-litigating.
	VolumeMountPath = "/batman"
	// ConfigurationFile is the path, relative to VolumeMountPath, of
	// the JSON-encoded run parameters.
	ConfigurationFile = "configuration.json"
	// OutputSubPath is where the command is expected to write output
	// artifacts, reserved within the same volume.
	OutputSubPath = "output"

	helperImage     = "busybox:latest"
	helperMountPath = "/output"
)

// Object is one thing to place on the volume: a file with contents,
// or an empty directory.
type Object interface {
	addTo(tw *tar.Writer) error
}

type File struct {
	Path     string
	Contents []byte
}

func (f File) addTo(tw *tar.Writer) error {
	hdr := &tar.Header{Name: f.Path, Mode: 0o644, Size: int64(len(f.Contents))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(f.Contents)
	return err
}

type Directory struct {
	Path string
}

func (d Directory) addTo(tw *tar.Writer) error {
	hdr := &tar.Header{Name: d.Path, Typeflag: tar.TypeDir, Mode: 0o755}
	return tw.WriteHeader(hdr)
}

// Builder creates and removes named Docker volumes populated from a
// set of in-memory Objects.
type Builder struct {
	cli *client.Client
}

func NewBuilder(cli *client.Client) *Builder {
	return &Builder{cli: cli}
}

// Create writes objects into a fresh tar, creates a named volume, and
// populates it via a throwaway helper container: create the volume,
// start a sleeping busybox container with it mounted, copy the tar
// in, then stop and remove the helper.
func (b *Builder) Create(ctx context.Context, name string, objects []Object) error {
	tarball, err := buildTar(objects)
	if err != nil {
		return fmt.Errorf("build volume tar for %s: %w", name, err)
	}

	if _, err := b.cli.VolumeCreate(ctx, dockervolume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}

	resp, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image: helperImage,
			Cmd:   []string{"sleep", "600"},
		},
		&container.HostConfig{
			Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: name, Target: helperMountPath}},
		},
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("create volume helper container for %s: %w", name, err)
	}
	helperID := resp.ID
	defer func() {
		_ = b.cli.ContainerRemove(ctx, helperID, container.RemoveOptions{Force: true})
	}()

	if err := b.cli.ContainerStart(ctx, helperID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start volume helper container for %s: %w", name, err)
	}

	if err := b.cli.CopyToContainer(ctx, helperID, helperMountPath, bytes.NewReader(tarball), container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy tar into volume helper for %s: %w", name, err)
	}

	timeout := 5
	if err := b.cli.ContainerStop(ctx, helperID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.WarnContext(ctx, "volumes.Create stopping helper", "volume", name, "error", err)
	}
	return nil
}

func buildTar(objects []Object) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, obj := range objects {
		if err := obj.addTo(tw); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Remove deletes a named volume by its exact name.
func (b *Builder) Remove(ctx context.Context, name string) error {
	if err := b.cli.VolumeRemove(ctx, name, true); err != nil {
		slog.WarnContext(ctx, "volumes.Remove", "name", name, "error", err)
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// ConfigurationPath returns the full in-container path of the
// configuration file.
func ConfigurationPath() string { return path.Join(VolumeMountPath, ConfigurationFile) }

// OutputPath returns the full in-container path of the output
// directory.
func OutputPath() string { return path.Join(VolumeMountPath, OutputSubPath) }
