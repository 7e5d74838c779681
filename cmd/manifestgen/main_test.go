package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarm/armlink/internal/cdn"
	"github.com/openarm/armlink/internal/manifest"
)

func TestParseFlags_Defaults(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "assets", o.src)
	assert.Equal(t, "dist", o.out)
	assert.Equal(t, manifest.DefaultVersion, o.version)
	assert.Equal(t, manifest.DefaultHashLength, o.hashLength)
}

func TestParseFlags_RejectsHashLength(t *testing.T) {
	_, err := parseFlags([]string{"-hash-length", "0"})
	assert.Error(t, err)
	_, err = parseFlags([]string{"-hash-length", "65"})
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "dist")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "meshes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "meshes", "base.stl"), []byte("solid base"), 0o644))

	urdf := filepath.Join(t.TempDir(), "robot.urdf")
	require.NoError(t, os.WriteFile(urdf, []byte(`<mesh filename="package://arm/meshes\base.stl"/>`), 0o644))

	o, err := parseFlags([]string{
		"-src", src,
		"-out", out,
		"-version", "2.0.0",
		"-public-url", "https://cdn.example.com/arm/",
		"-urdf", urdf,
	})
	require.NoError(t, err)

	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), o, &stdout))
	assert.Contains(t, stdout.String(), "1 assets")

	m, err := manifest.ReadManifest(filepath.Join(out, manifestFile))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", m.Version)
	require.Len(t, m.Assets, 1)

	a := m.Assets[0]
	assert.Equal(t, "base.stl", a.Original)
	assert.Equal(t, "meshes/base.stl", a.Path)
	assert.Equal(t, "https://cdn.example.com/arm/assets/"+a.Processed, a.URL)
	assert.FileExists(t, filepath.Join(out, a.Processed))

	rewritten, err := os.ReadFile(filepath.Join(out, "robot.urdf"))
	require.NoError(t, err)
	assert.Equal(t, `<mesh filename="package://arm/meshes/`+a.Processed+`"/>`, string(rewritten))
}

type recordingStorage struct {
	keys          []string
	cacheControls map[string]string
}

func (r *recordingStorage) Put(_ context.Context, key string, body io.Reader, _ int64, _, cacheControl string) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	r.keys = append(r.keys, key)
	r.cacheControls[key] = cacheControl
	return nil
}

func TestRun_Upload(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "dist")
	require.NoError(t, os.WriteFile(filepath.Join(src, "base.stl"), []byte("solid base"), 0o644))

	storage := &recordingStorage{cacheControls: make(map[string]string)}
	var opened cdn.R2Config
	oldGetenv, oldOpen := getenv, openStorage
	t.Cleanup(func() { getenv, openStorage = oldGetenv, oldOpen })
	getenv = func(k string) string {
		return map[string]string{
			cdn.EnvAccountID:       "acct",
			cdn.EnvAccessKeyID:     "key",
			cdn.EnvSecretAccessKey: "secret",
		}[k]
	}
	openStorage = func(cfg cdn.R2Config) (cdn.StorageClient, error) {
		opened = cfg
		return storage, nil
	}

	o, err := parseFlags([]string{"-src", src, "-out", out, "-public-url", "https://cdn.example.com/arm", "-upload"})
	require.NoError(t, err)

	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), o, &stdout))

	assert.Equal(t, "https://cdn.example.com/arm", opened.PublicURL)
	assert.Equal(t, cdn.DefaultBucket, opened.Bucket)
	require.Len(t, storage.keys, 2)
	assert.Equal(t, cdn.ManifestKey, storage.keys[1])
	assert.Equal(t, "public, max-age=31536000, immutable", storage.cacheControls[storage.keys[0]])
	assert.Equal(t, "public, max-age=300", storage.cacheControls[cdn.ManifestKey])
	assert.Contains(t, stdout.String(), "manifest: https://cdn.example.com/arm/manifest.json")
}

func TestRun_UploadWithoutCredentials(t *testing.T) {
	oldGetenv := getenv
	t.Cleanup(func() { getenv = oldGetenv })
	getenv = func(string) string { return "" }

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "base.stl"), []byte("solid base"), 0o644))
	o, err := parseFlags([]string{"-src", src, "-out", t.TempDir(), "-upload"})
	require.NoError(t, err)

	err = run(context.Background(), o, io.Discard)
	assert.ErrorIs(t, err, cdn.ErrMissingCredentials)
}
