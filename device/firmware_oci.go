package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sys/unix"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
)

const (
	ociReadyMarker   = "READY"
	ociBlobName      = "firmware.bin"
	ociMaxAttempts   = 3
	ociMaxBackoff    = 5 * time.Second
	maxFirmwareBytes = int64(256 << 20)
)

var (
	ociDigestPattern = regexp.MustCompile(`^sha256:[A-Fa-f0-9]{64}$`)

	// Injection points for tests.
	orasCopy = func(ctx context.Context, src oras.Target, srcRef string, dst oras.Target, dstRef string, opts oras.CopyOptions) (ocispec.Descriptor, error) {
		return oras.Copy(ctx, src, srcRef, dst, dstRef, opts)
	}
	newRemoteRepository = func(ref string) (*remote.Repository, error) {
		return remote.NewRepository(ref)
	}
)

// OCISource pulls digest-pinned, single-layer firmware artifacts from an
// OCI registry into a local cache keyed by digest, then stages the blob as
// the job's artifact. A cached digest is never re-pulled.
type OCISource struct {
	root      string
	plainHTTP bool
	logger    logr.Logger
}

// NewOCISource caches artifacts under root. plainHTTP permits non-TLS
// registries (local mocks).
func NewOCISource(root string, plainHTTP bool, logger logr.Logger) *OCISource {
	return &OCISource{root: root, plainHTTP: plainHTTP, logger: logger}
}

// Fetch resolves ref (a digest-pinned OCI reference), ensures the firmware
// blob is cached, and copies it to dest.
func (s *OCISource) Fetch(ctx context.Context, ref, dest string) error {
	parsedRef, err := registry.ParseReference(strings.TrimSpace(ref))
	if err != nil {
		return fmt.Errorf("invalid oci ref: %w", err)
	}
	if parsedRef.Reference == "" || !ociDigestPattern.MatchString(parsedRef.Reference) {
		return fmt.Errorf("oci firmware ref must be pinned by digest (got %q)", parsedRef.Reference)
	}

	digestHex := strings.TrimPrefix(parsedRef.Reference, "sha256:")
	baseDir := filepath.Join(s.root, digestHex)
	lockPath := filepath.Join(baseDir, ".lock")
	readyPath := filepath.Join(baseDir, ociReadyMarker)
	blobPath := filepath.Join(baseDir, ociBlobName)

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer lockFile.Close()
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	if fileExists(readyPath) && fileExists(blobPath) {
		s.logger.V(1).Info("firmware artifact cached", "digest", parsedRef.Reference)
		return copyFile(blobPath, dest)
	}

	store, err := oci.New(baseDir)
	if err != nil {
		return err
	}

	repoRef := fmt.Sprintf("%s/%s", parsedRef.Registry, parsedRef.Repository)
	repository, err := newRemoteRepository(repoRef)
	if err != nil {
		return err
	}
	repository.PlainHTTP = s.plainHTTP

	var desc ocispec.Descriptor
	for attempt := 0; attempt < ociMaxAttempts; attempt++ {
		desc, err = orasCopy(ctx, repository, parsedRef.Reference, store, parsedRef.Reference, oras.DefaultCopyOptions)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(attempt)):
		}
	}
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}

	if desc.Digest.String() != parsedRef.Reference {
		return fmt.Errorf("unexpected manifest digest %s (want %s)", desc.Digest.String(), parsedRef.Reference)
	}

	manifestBytes, err := content.FetchAll(ctx, store, desc)
	if err != nil {
		return err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return err
	}
	if len(manifest.Layers) != 1 {
		return fmt.Errorf("firmware artifact must be a single-layer blob (got %d layers)", len(manifest.Layers))
	}
	layer := manifest.Layers[0]
	if layer.Size > maxFirmwareBytes {
		return fmt.Errorf("firmware layer size %d exceeds limit %d", layer.Size, maxFirmwareBytes)
	}

	layerReader, err := store.Fetch(ctx, layer)
	if err != nil {
		return err
	}
	defer layerReader.Close()

	tmpPath := blobPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(layerReader, maxFirmwareBytes)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.WriteFile(readyPath, []byte("ok\n"), 0o644); err != nil {
		return err
	}

	s.logger.Info("firmware artifact pulled", "digest", parsedRef.Reference, "size", layer.Size)
	return copyFile(blobPath, dest)
}

// RoutingSource picks the fetcher by URL scheme: oci:// references go to
// the registry source, everything else streams over HTTP(S).
type RoutingSource struct {
	HTTP Source
	OCI  Source
}

func (s *RoutingSource) Fetch(ctx context.Context, url, dest string) error {
	if strings.HasPrefix(url, "oci://") {
		if s.OCI == nil {
			return fmt.Errorf("oci firmware source not configured")
		}
		return s.OCI.Fetch(ctx, strings.TrimPrefix(url, "oci://"), dest)
	}
	return s.HTTP.Fetch(ctx, url, dest)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "429") || strings.Contains(s, "too many requests") {
		return true
	}
	if strings.Contains(s, "temporar") || strings.Contains(s, "internal server error") {
		return true
	}
	return false
}

func backoffDuration(attempt int) time.Duration {
	d := time.Second * time.Duration(1<<attempt)
	if d > ociMaxBackoff {
		d = ociMaxBackoff
	}
	return d
}
