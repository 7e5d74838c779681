package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openarm/armlink/internal/manifest"
	"github.com/openarm/armlink/internal/monitoring"
)

// ManifestKey is the object name of the published manifest.
const ManifestKey = "manifest.json"

// UploadStats summarises one upload run.
type UploadStats struct {
	Uploaded int   `json:"uploaded"`
	Skipped  int   `json:"skipped"`
	Bytes    int64 `json:"bytes"`
}

// Uploader publishes a processed asset directory to a StorageClient.
type Uploader struct {
	storage   StorageClient
	cache     CacheConfig
	publicURL string
}

func NewUploader(storage StorageClient, cache CacheConfig, publicURL string) *Uploader {
	return &Uploader{storage: storage, cache: cache, publicURL: publicURL}
}

// Key returns the object name of a: entry points at the bucket root,
// everything else under assets/, matching manifest.URLFor.
func Key(a manifest.AssetInfo) string {
	if a.Type == manifest.EntryPointType {
		return a.Processed
	}
	return "assets/" + a.Processed
}

// Upload puts every asset of m found in dir, meshes before entry points,
// then the manifest with CDN URLs filled in. Assets missing from dir are
// skipped; any storage error aborts the run.
func (u *Uploader) Upload(ctx context.Context, dir string, m *manifest.Manifest) (UploadStats, error) {
	var stats UploadStats

	var meshes, entries []manifest.AssetInfo
	for _, a := range m.Assets {
		if a.Type == manifest.EntryPointType {
			entries = append(entries, a)
		} else {
			meshes = append(meshes, a)
		}
	}

	for _, a := range append(meshes, entries...) {
		n, err := u.uploadAsset(ctx, filepath.Join(dir, a.Processed), a)
		if errors.Is(err, fs.ErrNotExist) {
			monitoring.Diagf("skipping missing asset %s", a.Processed)
			stats.Skipped++
			continue
		}
		if err != nil {
			return stats, err
		}
		stats.Uploaded++
		stats.Bytes += n
		monitoring.Diagf("uploaded %s -> %s/%s", a.Original, u.publicURL, Key(a))
	}

	data, err := json.MarshalIndent(manifest.WithCDNURLs(m, u.publicURL), "", "  ")
	if err != nil {
		return stats, err
	}
	data = append(data, '\n')
	if err := u.storage.Put(ctx, ManifestKey, bytes.NewReader(data), int64(len(data)), "application/json", u.cache.ManifestCacheControl()); err != nil {
		return stats, fmt.Errorf("upload %s: %w", ManifestKey, err)
	}
	return stats, nil
}

func (u *Uploader) uploadAsset(ctx context.Context, path string, a manifest.AssetInfo) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	key := Key(a)
	if err := u.storage.Put(ctx, key, f, info.Size(), a.Type, u.cache.AssetCacheControl()); err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return info.Size(), nil
}

// ManifestURL is where the uploaded manifest is served.
func (u *Uploader) ManifestURL() string {
	return u.publicURL + "/" + ManifestKey
}
