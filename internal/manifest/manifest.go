// Package manifest maps logical asset names to content-hashed CDN URLs. It
// holds the manifest document types, a caching resolver for the arm server,
// and the generator used by cmd/manifestgen to build manifests from CAD
// exports.
package manifest

import (
	"fmt"
	"strings"
)

// EntryPointType is the MIME type of documents served from the CDN root.
// Every other asset type lives under the assets/ prefix.
const EntryPointType = "application/xml"

// Manifest is the versioned asset listing published next to the assets.
type Manifest struct {
	Version   string      `json:"version"`
	Generated string      `json:"generated"`
	Processor string      `json:"processor,omitempty"`
	Assets    []AssetInfo `json:"assets"`
}

// AssetInfo describes one deployable file.
type AssetInfo struct {
	Original  string `json:"original"`
	Processed string `json:"processed"`
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	Path      string `json:"path,omitempty"`
}

// document is the wire form used for validation: a missing or null assets
// field decodes to a nil pointer.
type document struct {
	Version   string       `json:"version"`
	Generated string       `json:"generated"`
	Processor string       `json:"processor,omitempty"`
	Assets    *[]AssetInfo `json:"assets"`
}

func (d *document) manifest() (*Manifest, error) {
	switch {
	case d.Version == "":
		return nil, fmt.Errorf("%w: missing version", ErrInvalidManifest)
	case d.Generated == "":
		return nil, fmt.Errorf("%w: missing generated timestamp", ErrInvalidManifest)
	case d.Assets == nil:
		return nil, fmt.Errorf("%w: missing assets", ErrInvalidManifest)
	}
	return &Manifest{
		Version:   d.Version,
		Generated: d.Generated,
		Processor: d.Processor,
		Assets:    *d.Assets,
	}, nil
}

// FindOriginal returns the first asset whose original name is name.
func (m *Manifest) FindOriginal(name string) (AssetInfo, bool) {
	for _, a := range m.Assets {
		if a.Original == name {
			return a, true
		}
	}
	return AssetInfo{}, false
}

// FindProcessed returns the first asset whose processed name is name.
func (m *Manifest) FindProcessed(name string) (AssetInfo, bool) {
	for _, a := range m.Assets {
		if a.Processed == name {
			return a, true
		}
	}
	return AssetInfo{}, false
}

// TotalSize sums the asset sizes.
func (m *Manifest) TotalSize() int64 {
	var n int64
	for _, a := range m.Assets {
		n += a.Size
	}
	return n
}

// URLFor returns a's explicit URL, or synthesises one under base.
func URLFor(a AssetInfo, base string) string {
	if a.URL != "" {
		return a.URL
	}
	base = strings.TrimRight(base, "/")
	if a.Type == EntryPointType {
		return base + "/" + a.Processed
	}
	return base + "/assets/" + a.Processed
}
