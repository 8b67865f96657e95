// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorse-io/hymenoptera/base/log"
	"github.com/gorse-io/hymenoptera/config"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Store is a flat namespace of named blobs.
type Store interface {
	// Open a blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Create a blob for writing. The returned channel yields the result of the
	// write once the writer is closed and the data is persisted.
	Create(ctx context.Context, name string) (io.WriteCloser, <-chan error, error)
	// List names of all blobs.
	List(ctx context.Context) ([]string, error)
	// Remove a blob.
	Remove(ctx context.Context, name string) error
}

// NewStore creates the store selected by the storage config.
func NewStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case config.StorageTypePOSIX, "":
		return NewPOSIX(cfg.Dir), nil
	case config.StorageTypeS3:
		return NewS3(cfg.S3)
	case config.StorageTypeGCS:
		return NewGCS(ctx, cfg.GCS)
	case config.StorageTypeAzure:
		return NewAzureBlob(cfg.Azure)
	default:
		return nil, errors.NotSupportedf("storage type %s", cfg.Type)
	}
}

const maxTries = 5

// Upload writes the output of encode to a blob. The payload is encoded once
// and transient failures of the store are retried with exponential backoff.
func Upload(ctx context.Context, store Store, name string, encode func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := encode(&buf); err != nil {
		return errors.Trace(err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		w, done, err := store.Create(ctx, name)
		if err != nil {
			return struct{}{}, err
		}
		if _, err = io.Copy(w, bytes.NewReader(buf.Bytes())); err != nil {
			_ = w.Close()
			<-done
			return struct{}{}, err
		}
		if err = w.Close(); err != nil {
			<-done
			return struct{}{}, err
		}
		if err = <-done; err != nil {
			log.Logger().Warn("failed to upload blob, retrying", zap.String("name", name), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxTries))
	return errors.Annotatef(err, "failed to upload %s", name)
}

// Download reads a whole blob.
func Download(ctx context.Context, store Store, name string) ([]byte, error) {
	r, err := store.Open(ctx, name)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", name)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read %s", name)
	}
	return data, nil
}

// pipe connects a writer handed to the caller with an upload running in a goroutine.
func pipe(upload func(r io.Reader) error) (io.WriteCloser, <-chan error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := upload(pr)
		_ = pr.CloseWithError(err)
		done <- err
		close(done)
	}()
	return pw, done
}
