// Command manifestgen copies exported arm assets into an output directory
// under content-hashed names and writes the manifest describing them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/openarm/armlink/internal/cdn"
	"github.com/openarm/armlink/internal/manifest"
)

const manifestFile = "manifest.json"

// Replaced in tests.
var (
	getenv      = os.Getenv
	openStorage = func(cfg cdn.R2Config) (cdn.StorageClient, error) { return cdn.NewR2Storage(cfg) }
)

type options struct {
	src        string
	out        string
	version    string
	hashLength int
	publicURL  string
	urdf       string
	upload     bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("manifestgen", flag.ContinueOnError)
	fs.StringVar(&o.src, "src", "assets", "Directory of exported assets")
	fs.StringVar(&o.out, "out", "dist", "Output directory for hashed assets and manifest.json")
	fs.StringVar(&o.version, "version", manifest.DefaultVersion, "Version recorded in the manifest")
	fs.IntVar(&o.hashLength, "hash-length", manifest.DefaultHashLength, "Hex digits of the content hash kept in file names")
	fs.StringVar(&o.publicURL, "public-url", "", "CDN base URL; when set every asset gets an absolute url")
	fs.StringVar(&o.urdf, "urdf", "", "URDF file whose mesh references are rewritten to hashed names")
	fs.BoolVar(&o.upload, "upload", false, "Upload assets and manifest to R2 (credentials from R2_* environment variables)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.hashLength <= 0 || o.hashLength > 64 {
		return o, fmt.Errorf("hash-length must be between 1 and 64, got %d", o.hashLength)
	}
	return o, nil
}

func run(ctx context.Context, o options, stdout io.Writer) error {
	g := manifest.Generator{Version: o.version, HashLength: o.hashLength}
	assets, err := g.ProcessDir(o.src, o.out)
	if err != nil {
		return fmt.Errorf("failed to process %s: %w", o.src, err)
	}

	m := g.Generate(assets)
	if o.publicURL != "" {
		m = manifest.WithCDNURLs(m, o.publicURL)
	}

	path := filepath.Join(o.out, manifestFile)
	if err := manifest.WriteManifest(path, m); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %s: %d assets, %d bytes\n", path, len(m.Assets), m.TotalSize())

	if o.urdf != "" {
		data, err := os.ReadFile(o.urdf)
		if err != nil {
			return fmt.Errorf("failed to read URDF: %w", err)
		}
		dst := filepath.Join(o.out, filepath.Base(o.urdf))
		if err := os.WriteFile(dst, []byte(manifest.RewriteURDF(string(data), m.Assets)), 0o644); err != nil {
			return fmt.Errorf("failed to write URDF: %w", err)
		}
		fmt.Fprintf(stdout, "rewrote %s\n", dst)
	}

	if o.upload {
		return upload(ctx, o, m, stdout)
	}
	return nil
}

func upload(ctx context.Context, o options, m *manifest.Manifest, stdout io.Writer) error {
	cfg, err := cdn.R2ConfigFromEnv(getenv)
	if err != nil {
		return err
	}
	if o.publicURL != "" {
		cfg.PublicURL = o.publicURL
	}
	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	u := cdn.NewUploader(storage, cdn.DefaultCacheConfig(), cfg.PublicURL)
	stats, err := u.Upload(ctx, o.out, m)
	if err != nil {
		return fmt.Errorf("upload to bucket %s failed: %w", cfg.Bucket, err)
	}
	fmt.Fprintf(stdout, "uploaded %d files (%.2f MB, %d skipped) to %s\n",
		stats.Uploaded, float64(stats.Bytes)/1024/1024, stats.Skipped, cfg.Bucket)
	fmt.Fprintf(stdout, "manifest: %s\n", u.ManifestURL())
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return
		}
		log.Fatal(err)
	}
	if err := run(context.Background(), o, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
