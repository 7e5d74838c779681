package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestLoad matches every *LoadError.
	ErrManifestLoad = errors.New("manifest: load failed")
	// ErrAssetNotFound matches every *AssetNotFoundError.
	ErrAssetNotFound = errors.New("manifest: asset not found")
	// ErrInvalidManifest is a fetched document that fails validation.
	ErrInvalidManifest = errors.New("manifest: invalid document")
	// ErrNoFilename is a package path with no final segment.
	ErrNoFilename = errors.New("manifest: path has no filename")
)

// LoadError reports that every fetch attempt failed. Err is the last
// attempt's cause.
type LoadError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load manifest %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrManifestLoad }

// AssetNotFoundError names an asset missing from the manifest.
type AssetNotFoundError struct {
	Name string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("asset not found in manifest: %s", e.Name)
}

func (e *AssetNotFoundError) Is(target error) bool { return target == ErrAssetNotFound }
