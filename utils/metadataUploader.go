package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// StoryMetadata is the ERC-721 token metadata document published for a story.
type StoryMetadata struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Attributes  []MetadataAttribute `json:"attributes"`
}

type MetadataAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// MetadataUploadEnabled reports whether a metadata bucket is configured.
// When it is not, callers must supply a metadata URI themselves.
func MetadataUploadEnabled() bool {
	return strings.TrimSpace(os.Getenv("GCS_METADATA_BUCKET")) != ""
}

// UploadStoryMetadata publishes the token metadata JSON for a story and
// returns its public URI. The object name is derived from the content hash, so
// re-uploading for a retried request overwrites the same object rather than
// accumulating duplicates.
func UploadStoryMetadata(ctx context.Context, contentHash, title, body, authorAddress string) (string, error) {
	bucketName := strings.TrimSpace(os.Getenv("GCS_METADATA_BUCKET"))
	if bucketName == "" {
		return "", errors.New("GCS_METADATA_BUCKET is required")
	}

	meta := StoryMetadata{
		Name:        title,
		Description: body,
		Attributes: []MetadataAttribute{
			{TraitType: "author", Value: NormalizeAddress(authorAddress)},
			{TraitType: "content_hash", Value: contentHash},
		},
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	objectName := "metadata/" + contentHash + ".json"
	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = "application/json"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", err
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucketName, objectName), nil
}
