// Package modreg resolves module binaries addressed as OCI image
// references, for installations that distribute module binaries as
// container image layers rather than files on a shared filesystem.
// Grounded on a platform-matched remote.Get-plus-digest-keyed-cache pull
// path and a single-layer tar extraction step, adapted from "fetch a VM
// rootfs layer" to "fetch one module binary layer".
package modreg

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Resolver resolves module-image references to a local binary path,
// caching unpacked binaries by image digest so a repeated resolve that
// lands on a cached digest skips the download and unpack (the manifest is
// still fetched to learn the digest).
type Resolver struct {
	cacheDir string

	mu    sync.Mutex
	cache map[string]string // digest -> local binary path
}

// New creates a resolver that unpacks module binaries under cacheDir.
func New(cacheDir string) *Resolver {
	return &Resolver{
		cacheDir: cacheDir,
		cache:    make(map[string]string),
	}
}

// LooksLikeReference reports whether name is shaped like an OCI image
// reference (contains a path separator or a colon, as in host:port or
// name:tag) rather than a
// plain module name such as "Gendat" — the hub's spawn path uses this to
// decide whether a lookup may touch the network at all.
func LooksLikeReference(moduleName string) bool {
	return strings.Contains(moduleName, "/") || strings.Contains(moduleName, ":")
}

// Resolve fetches ref's image, matched to the running platform, unpacks
// its single module-binary layer into the resolver's cache directory, and
// returns the local path to the extracted binary. A second Resolve of the
// same digest still fetches the manifest from the registry, then returns
// the cached path without unpacking again.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	tag, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("modreg: parse reference %q: %w", ref, err)
	}

	desc, err := remote.Get(tag, remote.WithContext(ctx), remote.WithPlatform(v1.Platform{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}))
	if err != nil {
		return "", fmt.Errorf("modreg: fetch %q: %w", ref, err)
	}

	digest := desc.Digest.String()
	r.mu.Lock()
	if path, ok := r.cache[digest]; ok {
		r.mu.Unlock()
		return path, nil
	}
	r.mu.Unlock()

	img, err := desc.Image()
	if err != nil {
		return "", fmt.Errorf("modreg: %q is not an image manifest: %w", ref, err)
	}

	path, err := r.unpackBinary(img, digest)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[digest] = path
	r.mu.Unlock()
	return path, nil
}

// unpackBinary walks the image's layers from the top down and extracts the
// first regular file found, on the assumption that a module image carries
// exactly one binary.
func (r *Resolver) unpackBinary(img v1.Image, digest string) (string, error) {
	layers, err := img.Layers()
	if err != nil {
		return "", fmt.Errorf("modreg: list layers: %w", err)
	}

	destDir := filepath.Join(r.cacheDir, sanitizeDigest(digest))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("modreg: create cache dir: %w", err)
	}

	for i := len(layers) - 1; i >= 0; i-- {
		path, err := extractFirstFile(layers[i], destDir)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("modreg: no binary layer found in image")
}

func extractFirstFile(layer v1.Layer, destDir string) (string, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return "", fmt.Errorf("modreg: read layer: %w", err)
	}
	defer rc.Close()

	tr, err := tarReader(rc)
	if err != nil {
		return "", err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("modreg: read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		dest := filepath.Join(destDir, filepath.Base(hdr.Name))
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return "", fmt.Errorf("modreg: create %s: %w", dest, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return "", fmt.Errorf("modreg: write %s: %w", dest, err)
		}
		f.Close()
		return dest, nil
	}
}

// tarReader returns a tar reader over rc, transparently handling the case
// where the layer is already a raw tar stream vs. additionally gzipped —
// go-containerregistry's Uncompressed() normally strips gzip already, but
// this guards against layers that double-wrap.
func tarReader(rc io.Reader) (*tar.Reader, error) {
	br := &peekReader{r: rc}
	magic, err := br.peek(2)
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("modreg: gzip: %w", err)
		}
		return tar.NewReader(gz), nil
	}
	return tar.NewReader(br), nil
}

// peekReader lets tarReader inspect the first bytes of rc without
// consuming them for the real reader that follows.
type peekReader struct {
	r      io.Reader
	peeked []byte
	used   bool
}

func (p *peekReader) peek(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(p.r, buf)
	p.peeked = buf[:read]
	return p.peeked, err
}

func (p *peekReader) Read(dst []byte) (int, error) {
	if !p.used && len(p.peeked) > 0 {
		n := copy(dst, p.peeked)
		p.peeked = p.peeked[n:]
		if len(p.peeked) == 0 {
			p.used = true
		}
		return n, nil
	}
	return p.r.Read(dst)
}

func sanitizeDigest(digest string) string {
	return strings.NewReplacer(":", "_", "/", "_").Replace(digest)
}
