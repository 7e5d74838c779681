package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openarm/armlink/internal/timeutil"
)

const (
	DefaultHashLength = 12
	DefaultVersion    = "1.0.0"
	ProcessorName     = "armlink-manifestgen"
)

var mimeTypes = map[string]string{
	".stl":  "model/stl",
	".dae":  "model/vnd.collada+xml",
	".obj":  "model/obj",
	".urdf": EntryPointType,
	".xml":  EntryPointType,
}

// MimeType maps a file extension to the type recorded in the manifest.
func MimeType(name string) string {
	if t, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "application/octet-stream"
}

// HashFile returns the hex sha256 of the file, truncated to length
// characters. A non-positive length keeps DefaultHashLength.
func HashFile(path string, length int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if length <= 0 {
		length = DefaultHashLength
	}
	if length < len(sum) {
		sum = sum[:length]
	}
	return sum, nil
}

// ProcessedName inserts hash between the stem and extension:
// base.stl becomes base.<hash>.stl.
func ProcessedName(name, hash string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "." + hash + ext
}

// Generator builds manifests from a directory of exported assets.
type Generator struct {
	Version    string
	HashLength int
	Clock      timeutil.Clock
}

// ProcessDir copies every regular file under src into out with a
// content-hashed name. The returned assets are sorted by original name.
func (g Generator) ProcessDir(src, out string) ([]AssetInfo, error) {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return nil, err
	}

	var assets []AssetInfo
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		a, err := g.processFile(p, src, out)
		if err != nil {
			return err
		}
		assets = append(assets, a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].Original < assets[j].Original })
	return assets, nil
}

func (g Generator) processFile(p, root, out string) (AssetInfo, error) {
	hash, err := HashFile(p, g.HashLength)
	if err != nil {
		return AssetInfo{}, err
	}
	name := filepath.Base(p)
	processed := ProcessedName(name, hash)

	size, err := copyFile(p, filepath.Join(out, processed))
	if err != nil {
		return AssetInfo{}, err
	}

	rel, err := filepath.Rel(root, p)
	if err != nil {
		rel = p
	}
	return AssetInfo{
		Original:  name,
		Processed: processed,
		Hash:      hash,
		Size:      size,
		Type:      MimeType(name),
		Path:      filepath.ToSlash(rel),
	}, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", src, err)
	}
	return n, nil
}

// Generate wraps assets in a manifest stamped with the current time.
func (g Generator) Generate(assets []AssetInfo) *Manifest {
	version := g.Version
	if version == "" {
		version = DefaultVersion
	}
	clock := g.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manifest{
		Version:   version,
		Generated: clock.Now().UTC().Format(time.RFC3339),
		Processor: ProcessorName,
		Assets:    append([]AssetInfo(nil), assets...),
	}
}

// WithCDNURLs returns a copy of m with every asset URL set under base,
// replacing any URL already present.
func WithCDNURLs(m *Manifest, base string) *Manifest {
	out := *m
	out.Assets = make([]AssetInfo, len(m.Assets))
	for i, a := range m.Assets {
		a.URL = URLFor(AssetInfo{Processed: a.Processed, Type: a.Type}, base)
		out.Assets[i] = a
	}
	return &out
}

// WriteManifest writes m as indented JSON, creating parent directories.
func WriteManifest(path string, m *Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadManifest loads and validates a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.manifest()
}

// RewriteURDF normalises path separators in a URDF document and points mesh
// references at the processed file names. Directory prefixes such as
// assets/ are kept.
func RewriteURDF(content string, assets []AssetInfo) string {
	content = strings.ReplaceAll(content, `\`, "/")
	for _, a := range assets {
		if !strings.HasPrefix(a.Type, "model/") {
			continue
		}
		content = strings.ReplaceAll(content, a.Original, a.Processed)
	}
	return content
}
