// Package scriptstore fetches script files from Azure Blob Storage into a
// local cache so a filter can be configured with a plain file path.
package scriptstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
	"go.uber.org/zap"
)

// Scheme prefixes script references held in blob storage, e.g.
// azblob://scripts/multiplier.js
const Scheme = "azblob://"

// Store downloads scripts from one blob container
type Store struct {
	serviceURL    string
	containerName string
	cacheDir      string
	logger        *zap.Logger
	download      func(ctx context.Context, blobPath string) (io.ReadCloser, error)
}

// New creates a Store from a standard connection string. Scripts are cached
// under cacheDir, which is created if needed.
func New(connectionString, containerName, cacheDir string, logger *zap.Logger) (*Store, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if cacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		// Azurite and other local emulators
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	s := &Store{
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		cacheDir:      cacheDir,
		logger:        logger,
	}
	s.download = func(ctx context.Context, blobPath string) (io.ReadCloser, error) {
		resp, err := client.DownloadStream(ctx, containerName, blobPath, nil)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	return s, nil
}

// IsReference reports whether path names a script in blob storage
func IsReference(path string) bool {
	return strings.HasPrefix(path, Scheme)
}

// Resolve returns a local path for path. Blob references are downloaded
// into the cache; anything else is returned unchanged.
func (s *Store) Resolve(ctx context.Context, path string) (string, error) {
	if !IsReference(path) {
		return path, nil
	}
	return s.Fetch(ctx, path)
}

// Fetch downloads the referenced script and returns its cached path. The
// reference may be a blob URL, an azblob:// reference or a blob path.
func (s *Store) Fetch(ctx context.Context, reference string) (string, error) {
	blobPath, err := s.extractBlobPath(reference)
	if err != nil {
		return "", err
	}

	local := filepath.Join(s.cacheDir, filepath.FromSlash(blobPath))
	if !strings.HasPrefix(local, filepath.Clean(s.cacheDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("blob path %q escapes the cache directory", blobPath)
	}

	body, err := s.download(ctx, blobPath)
	if err != nil {
		s.logger.Error("failed to download script",
			zap.String("blob_path", blobPath),
			zap.Error(err))
		return "", sdkerrors.NewError("SCRIPT_DOWNLOAD_FAILED", "failed to download "+blobPath, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temp file and rename into place
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	size, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to read blob data: %w", err)
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store script: %w", err)
	}

	s.logger.Info("fetched script",
		zap.String("blob_path", blobPath),
		zap.String("local_path", local),
		zap.Int64("size_bytes", size))

	return local, nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

func (s *Store) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}

	ref = strings.TrimPrefix(ref, Scheme)
	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(s.serviceURL)) {
		ref = ref[len(s.serviceURL):]
	}
	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}
	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, s.containerName+"/")

	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}
