package swcache

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/crypto/blake2b"
)

// MinIOStorage keeps every cache as a prefix inside one bucket. Objects are
// named <cache>/<blake2b-256 of the URL> and hold the JSON-encoded Response.
type MinIOStorage struct {
	client *minio.Client
	bucket string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinIOStorage(ctx context.Context, cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return NewMinIOStorageWithClient(ctx, client, cfg.Bucket)
}

// NewMinIOStorageWithClient creates the bucket when it does not exist yet.
func NewMinIOStorageWithClient(ctx context.Context, client *minio.Client, bucket string) (*MinIOStorage, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("minio bucket is required")
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIOStorage{client: client, bucket: bucket}, nil
}

func (s *MinIOStorage) Open(_ context.Context, name string) (Cache, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}
	return &minioCache{storage: s, name: name}, nil
}

func (s *MinIOStorage) Names(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list caches: %w", obj.Err)
		}
		if name, ok := strings.CutSuffix(obj.Key, "/"); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MinIOStorage) Delete(ctx context.Context, name string) (bool, error) {
	objects := make(chan minio.ObjectInfo)
	var (
		found   bool
		listErr error
	)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: name + "/", Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			found = true
			select {
			case objects <- obj:
			case <-ctx.Done():
				listErr = ctx.Err()
				return
			}
		}
	}()
	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, rerr.Err)
	}
	// RemoveObjects drains objects before its result channel closes, so the
	// lister's writes are visible here.
	errs = append(errs, listErr)
	if err := errors.Join(errs...); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return found, nil
}

type minioCache struct {
	storage *MinIOStorage
	name    string
}

func objectName(cache, url string) string {
	sum := blake2b.Sum256([]byte(url))
	return cache + "/" + hex.EncodeToString(sum[:])
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == minio.NoSuchKey
}

func (c *minioCache) Match(ctx context.Context, url string) (*Response, bool, error) {
	obj, err := c.storage.client.GetObject(ctx, c.storage.bucket, objectName(c.name, url), minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", url, err)
	}
	defer obj.Close()

	var resp Response
	if err := json.NewDecoder(obj).Decode(&resp); err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("decode %s: %w", url, err)
	}
	return &resp, true, nil
}

func (c *minioCache) Put(ctx context.Context, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s: %w", resp.URL, err)
	}
	_, err = c.storage.client.PutObject(ctx, c.storage.bucket, objectName(c.name, resp.URL),
		bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"url": resp.URL},
		})
	if err != nil {
		return fmt.Errorf("put %s: %w", resp.URL, err)
	}
	return nil
}

func (c *minioCache) Delete(ctx context.Context, url string) (bool, error) {
	name := objectName(c.name, url)
	if _, err := c.storage.client.StatObject(ctx, c.storage.bucket, name, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", url, err)
	}
	if err := c.storage.client.RemoveObject(ctx, c.storage.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("delete %s: %w", url, err)
	}
	return true, nil
}

// Keys reads the URL from each object's user metadata.
func (c *minioCache) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	opts := minio.ListObjectsOptions{Prefix: c.name + "/", Recursive: true, WithMetadata: true}
	for obj := range c.storage.client.ListObjects(ctx, c.storage.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", c.name, obj.Err)
		}
		url := metadataValue(obj.UserMetadata, "url")
		if url == "" {
			info, err := c.storage.client.StatObject(ctx, c.storage.bucket, obj.Key, minio.StatObjectOptions{})
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", obj.Key, err)
			}
			url = metadataValue(info.UserMetadata, "url")
		}
		if url != "" {
			keys = append(keys, url)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func metadataValue(metadata map[string]string, key string) string {
	for k, v := range metadata {
		if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), key) {
			return v
		}
	}
	return ""
}
