// Package registry builds snapshot images from streamed build
// contexts, tags them deterministically, and synchronizes them with a
// local or remote registry — re-authenticating before the cached
// credential expires.
package registry

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/execid"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

// Repository is the image repository every snapshot tag is pushed
// under, e.g. "registry.example.com/plz/snapshots".
type Repository string

// CredentialSource refreshes registry credentials on demand. The only
// implementation in this package is Anonymous, which returns an empty
// (anonymous) credential.
type CredentialSource interface {
	Authenticator(ctx context.Context) (authn.Authenticator, error)
}

// Anonymous is the CredentialSource used against an unauthenticated
// local registry.
type Anonymous struct{}

func (Anonymous) Authenticator(context.Context) (authn.Authenticator, error) {
	return authn.Anonymous, nil
}

// Registry builds, tags, and synchronizes snapshot images.
type Registry struct {
	Repository Repository
	docker     *client.Client
	creds      CredentialSource

	mu           sync.Mutex
	cachedAuth   authn.Authenticator
	cachedAuthAt time.Time
	credValidFor time.Duration
}

// New builds a Registry. credValidFor bounds how long a cached
// credential is trusted before a forced re-auth.
func New(dockerClient *client.Client, repo Repository, creds CredentialSource, credValidFor time.Duration) *Registry {
	if creds == nil {
		creds = Anonymous{}
	}
	return &Registry{Repository: repo, docker: dockerClient, creds: creds, credValidFor: credValidFor}
}

// Tag computes the deterministic tag for a submission: a hash of the
// {user, project} metadata plus a digest of the build context bytes
// (see execid.Tag's doc comment for the Open Question this resolves).
func (r *Registry) Tag(metadataJSON string, contextDigest [32]byte) string {
	return execid.Tag(metadataJSON, contextDigest)
}

func (r *Registry) ref(tag string) string {
	return fmt.Sprintf("%s:%s", r.Repository, tag)
}

// Build consumes a gzipped tar build context (Dockerfile at root),
// forwards it to the Docker daemon's builder, and returns a channel of
// build events as they arrive.
func (r *Registry) Build(ctx context.Context, buildContext io.Reader, tag string) (<-chan types.BuildEvent, error) {
	fullRef := r.ref(tag)
	resp, err := r.docker.ImageBuild(ctx, buildContext, dockertypes.ImageBuildOptions{
		Tags:   []string{fullRef},
		Remove: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start image build for tag %s: %w", tag, err)
	}

	events := make(chan types.BuildEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var raw struct {
				Stream string `json:"stream"`
				Error  string `json:"error"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
				continue
			}
			switch {
			case raw.Error != "":
				events <- types.BuildEvent{Error: raw.Error}
				return
			case raw.Stream != "":
				events <- types.BuildEvent{Stream: raw.Stream}
			}
		}
		if err := scanner.Err(); err != nil {
			events <- types.BuildEvent{Error: err.Error()}
			return
		}
		events <- types.BuildEvent{ID: fullRef}
	}()
	return events, nil
}

// Drain reads every event off the channel Build returned, returning a
// BuildError if one occurred, and the accumulated stream log lines
// plus the final tag reference regardless.
func Drain(events <-chan types.BuildEvent) (lines []string, ref string, err error) {
	for ev := range events {
		switch {
		case ev.Error != "":
			return lines, "", &apierrors.BuildError{Msg: ev.Error}
		case ev.Stream != "":
			lines = append(lines, ev.Stream)
		case ev.ID != "":
			ref = ev.ID
		}
	}
	return lines, ref, nil
}

// Retag points newTag at the same local image oldTag currently does,
// and removes oldTag. Used when the build is started under a
// placeholder tag because the content-derived final tag isn't known
// until the build context has been fully streamed and hashed.
func (r *Registry) Retag(ctx context.Context, oldTag, newTag string) error {
	if err := r.docker.ImageTag(ctx, r.ref(oldTag), r.ref(newTag)); err != nil {
		return fmt.Errorf("retag %s as %s: %w", oldTag, newTag, err)
	}
	if _, err := r.docker.ImageRemove(ctx, r.ref(oldTag), image.RemoveOptions{}); err != nil {
		slog.WarnContext(ctx, "registry.Retag removing placeholder tag", "tag", oldTag, "error", err)
	}
	return nil
}

// Push synchronizes a local image with the remote registry. If the
// push fails for any reason, it forces one re-auth and retries once.
func (r *Registry) Push(ctx context.Context, tag string) error {
	authHeader, err := r.authHeader(ctx, false)
	if err != nil {
		return err
	}
	if err := r.push(ctx, tag, authHeader); err != nil {
		slog.WarnContext(ctx, "registry.Push retrying after forced reauth", "tag", tag, "error", err)
		authHeader, authErr := r.authHeader(ctx, true)
		if authErr != nil {
			return authErr
		}
		if err := r.push(ctx, tag, authHeader); err != nil {
			return fmt.Errorf("push tag %s: %w", tag, err)
		}
	}
	return nil
}

func (r *Registry) push(ctx context.Context, tag, authHeader string) error {
	rc, err := r.docker.ImagePush(ctx, r.ref(tag), image.PushOptions{RegistryAuth: authHeader})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Pull fetches a tag from the remote registry into the local daemon.
func (r *Registry) Pull(ctx context.Context, tag string) error {
	authHeader, err := r.authHeader(ctx, false)
	if err != nil {
		return err
	}
	rc, err := r.docker.ImagePull(ctx, r.ref(tag), image.PullOptions{RegistryAuth: authHeader})
	if err != nil {
		return fmt.Errorf("pull tag %s: %w", tag, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// CanPull probes whether the registry is reachable, retrying up to
// `retries` times, sleeping a second between attempts. A fleet manager
// uses this to decide whether a newly-booted cloud VM has finished
// starting its container runtime.
func (r *Registry) CanPull(ctx context.Context, tag string, retries int) bool {
	for i := 0; i < retries; i++ {
		if err := r.Pull(ctx, tag); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}

// authHeader resolves (refreshing if needed) a credential and encodes
// it the way the Docker Engine API expects in X-Registry-Auth.
func (r *Registry) authHeader(ctx context.Context, force bool) (string, error) {
	auth, err := r.authenticator(ctx, force)
	if err != nil {
		return "", err
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return "", fmt.Errorf("resolve registry authorization: %w", err)
	}
	b, err := json.Marshal(dockerregistry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth config: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (r *Registry) authenticator(ctx context.Context, force bool) (authn.Authenticator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !force && r.cachedAuth != nil && time.Since(r.cachedAuthAt) < r.credValidFor {
		return r.cachedAuth, nil
	}
	auth, err := r.creds.Authenticator(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh registry credentials: %w", err)
	}
	r.cachedAuth = auth
	r.cachedAuthAt = time.Now()
	return auth, nil
}
