package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultBlockSize), cfg.BlockSize)
	assert.Equal(t, DefaultLeaseDurationSeconds, cfg.LeaseDurationSeconds)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
host: 127.0.0.1
port: 10900
export_size: 1073741824
block_size: 131072
s3:
  endpoint_url: http://localhost:9000
  access_key: key
  secret_key: secret
  bucket: nbd-blocks
  region: us-east-1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 10900, cfg.Port)
	assert.Equal(t, int64(1073741824), cfg.ExportSize)
	assert.Equal(t, int64(131072), cfg.BlockSize)
	assert.Equal(t, "nbd-blocks", cfg.S3.Bucket)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMisalignedSizes(t *testing.T) {
	cfg := defaults()
	cfg.ExportSize = 1000
	cfg.BlockSize = 131072
	cfg.S3 = S3Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}

	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRequiresBucket(t *testing.T) {
	cfg := defaults()
	cfg.ExportSize = 131072
	err := cfg.Validate()
	assert.Error(t, err)
}
