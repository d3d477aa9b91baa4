package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"

	"tilefetch/internal/model"
)

// Blob writes payloads into a gocloud bucket keyed service/z/x/y.png.
// Any driver works: file://, s3://, gs://, mem://.
type Blob struct {
	bucket *blob.Bucket
}

// NewBlob wraps an open bucket. The caller keeps ownership unless Close
// is used.
func NewBlob(bucket *blob.Bucket) *Blob {
	return &Blob{bucket: bucket}
}

// OpenBlob opens a bucket by URL. The driver must be linked in by the
// caller (blank import).
func OpenBlob(ctx context.Context, urlstr string) (*Blob, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", urlstr, err)
	}
	return &Blob{bucket: bucket}, nil
}

func tileKey(service string, z, x, y int) string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", service, z, x, y, model.PNG)
}

// Write stores one payload.
func (b *Blob) Write(ctx context.Context, p model.TilePayload) error {
	key := tileKey(p.Service, p.Z, p.X, p.Y)
	if err := b.bucket.WriteAll(ctx, key, p.Data, nil); err != nil {
		return fmt.Errorf("save tile %s: %w", key, err)
	}
	return nil
}

// Existing lists the bucket and reloads service's tiles as a presence
// set.
func (b *Blob) Existing(ctx context.Context, service string) (*model.TileSet, error) {
	set := model.NewTileSet()
	iter := b.bucket.List(&blob.ListOptions{Prefix: service + "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var z, x, y int
		key := strings.TrimSuffix(obj.Key, "."+model.PNG)
		if _, err := fmt.Sscanf(key, service+"/%d/%d/%d", &z, &x, &y); err != nil {
			continue
		}
		set.Add(service, z, x, y)
	}
	return set, nil
}

// Close releases the bucket.
func (b *Blob) Close() error {
	return b.bucket.Close()
}
