package main

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
)

const synthesizedDockerfile = "Dockerfile"

// captureBuildContext synthesizes a throwaway Dockerfile in dir (the
// directory cannot already have one) and tars+gzips dir, excluding
// excludedPaths, the way capture_build_context does.
func captureBuildContext(dir, image string, command []string, excludedPaths []string) (io.ReadCloser, error) {
	dockerfilePath := filepath.Join(dir, synthesizedDockerfile)
	if _, err := os.Stat(dockerfilePath); err == nil {
		return nil, fmt.Errorf("the directory cannot have a %s", synthesizedDockerfile)
	}

	contents := fmt.Sprintf("FROM %s\nWORKDIR /app\nCOPY . ./\nCMD %s\n", image, shellQuoteList(command))
	if err := os.WriteFile(dockerfilePath, []byte(contents), 0o644); err != nil {
		return nil, fmt.Errorf("write synthesized Dockerfile: %w", err)
	}

	tarball, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: excludedPaths,
		Compression:     archive.Uncompressed,
	})
	if err != nil {
		os.Remove(dockerfilePath)
		return nil, fmt.Errorf("tar build context: %w", err)
	}
	// The tar stream is produced lazily, so the synthesized Dockerfile is
	// removed only once the whole stream has been read.
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, tarball)
		tarball.Close()
		os.Remove(dockerfilePath)
		pw.CloseWithError(err)
	}()
	return gzipReadCloser(pr), nil
}

func shellQuoteList(command []string) string {
	out := "["
	for i, c := range command {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%q", c)
	}
	return out + "]"
}

// gzipReadCloser wraps a tar stream in gzip compression on the fly,
// without buffering the whole context in memory (POST /snapshots
// expects a gzipped tar per the original's docker.utils.build.tar
// gzip=True option).
func gzipReadCloser(tarball io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	gw := gzip.NewWriter(pw)
	go func() {
		_, err := io.Copy(gw, tarball)
		tarball.Close()
		if err != nil {
			gw.Close()
			pw.CloseWithError(err)
			return
		}
		if err := gw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return pr
}
