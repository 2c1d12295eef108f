package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/sitecreator/internal/config"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"https://minio.local:9000/":      "minio.local:9000",
		"http://localhost:9000/bucket/x": "localhost:9000",
		"s3.amazonaws.com":               "s3.amazonaws.com",
		"":                               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeEndpoint(in), in)
	}
}

func TestDetectStorageType(t *testing.T) {
	assert.Equal(t, StorageTypeR2, detectStorageType("https://abc.r2.cloudflarestorage.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType("s3.us-west-2.amazonaws.com"))
	assert.Equal(t, StorageTypeS3, detectStorageType(""))
	assert.Equal(t, StorageTypeS3Compatible, detectStorageType("localhost:9000"))
}

func TestObjectBaseURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.edu", objectBaseURL("https://cdn.example.edu/", "http://localhost:9000", "b", "us-east-1"))
	assert.Equal(t, "http://localhost:9000/b", objectBaseURL("", "http://localhost:9000", "b", "us-east-1"))
	assert.Equal(t, "https://b.s3.eu-west-1.amazonaws.com", objectBaseURL("", "", "b", "eu-west-1"))
}

func TestNewStorage(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s, err := NewStorage(config.StorageConfig{})
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("missing bucket", func(t *testing.T) {
		_, err := NewStorage(config.StorageConfig{Enabled: true})
		assert.Error(t, err)
	})

	t.Run("compatible endpoint", func(t *testing.T) {
		s, err := NewStorage(config.StorageConfig{
			Enabled:   true,
			Endpoint:  "http://localhost:9000",
			AccessKey: "key",
			SecretKey: "secret",
			Bucket:    "reports",
		})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:9000/reports/reports/job-1.csv", s.GetURL("reports/job-1.csv"))
	})
}
