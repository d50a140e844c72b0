// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// MaxObjectBytes caps how much of a bucket object is read for ingestion.
const MaxObjectBytes = 8 << 20

// GCSSource reads documents from Cloud Storage.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a storage client. credentialsFile, when set, must
// exist; otherwise application default credentials apply. Extra options
// are passed through (endpoints, test transports).
func NewGCSSource(ctx context.Context, credentialsFile string, opts ...option.ClientOption) (*GCSSource, error) {
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path: %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// ParseGCSURI splits gs://bucket/path/to/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs:// uri needs a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}

// Load reads the object at uri into a Document owned by sessionID.
func (g *GCSSource) Load(ctx context.Context, uri, sessionID string) (Document, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return Document{}, err
	}
	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer r.Close()

	body, err := io.ReadAll(io.LimitReader(r, MaxObjectBytes+1))
	if err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	if len(body) > MaxObjectBytes {
		return Document{}, fmt.Errorf("%s exceeds %d bytes", uri, MaxObjectBytes)
	}
	return Document{SessionID: sessionID, Source: uri, Content: string(body)}, nil
}

// Close releases the storage client.
func (g *GCSSource) Close() error {
	return g.client.Close()
}
