// Package blob implements the archive adapter for S3-compatible object
// storage (AWS S3, MinIO, Cloudflare R2). Values are s2-compressed
// before upload; the archive is the demotion target for large, idle
// records.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/klauspost/compress/s2"
	"go.uber.org/zap"
)

const backendName = "s3-archive"

// S3API is the subset of the S3 client the store uses; tests provide an
// in-memory implementation.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements storage.Adapter over an S3 bucket. One record maps to
// one object under "<prefix>/records/<key>".
type Store struct {
	s3      S3API
	bucket  string
	cfg     config.ArchiveTierConfig
	tracker storage.Tracker
	coll    storage.Collector
	logger  *zap.Logger
}

// NewStore creates the archive adapter using an S3API implementation.
func NewStore(s3api S3API, cfg config.ArchiveTierConfig, coll storage.Collector, logger *zap.Logger) *Store {
	if coll == nil {
		coll = storage.NopCollector{}
	}
	return &Store{
		s3:     s3api,
		bucket: cfg.Bucket,
		cfg:    cfg,
		coll:   coll,
		logger: logger,
	}
}

func (s *Store) Class() storage.Class { return storage.ClassArchive }
func (s *Store) Name() string         { return backendName }

func (s *Store) objectPrefix() string {
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/records/"
	}
	return "records/"
}

func (s *Store) objectKey(key string) string {
	return s.objectPrefix() + key
}

func (s *Store) meta() storage.Meta {
	return storage.Meta{
		Timestamp: time.Now(),
		Class:     storage.ClassArchive,
		Backend:   backendName,
	}
}

// Get downloads and decompresses one record. A missing object is a
// failed result with ErrKeyNotFound, same contract as the relational
// adapter.
func (s *Store) Get(ctx context.Context, key string) storage.Result {
	start := time.Now()

	objKey := s.objectKey(key)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		lat := time.Since(start)
		if isNoSuchKey(err) {
			s.record("get", lat, storage.OutcomeMiss, key, false, storage.HitNo)
			return storage.Result{Err: storage.ErrKeyNotFound, Latency: lat, Meta: s.meta()}
		}
		s.record("get", lat, storage.OutcomeError, key, false, storage.HitNo)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}
	defer resp.Body.Close()

	compressed, err := io.ReadAll(resp.Body)
	if err == nil {
		var value []byte
		value, err = s2.Decode(nil, compressed)
		if err == nil {
			lat := time.Since(start)
			s.record("get", lat, storage.OutcomeHit, key, true, storage.HitYes)
			return storage.Result{Success: true, Data: value, Latency: lat, Meta: s.meta()}
		}
	}

	lat := time.Since(start)
	s.record("get", lat, storage.OutcomeError, key, false, storage.HitNo)
	return storage.Result{Err: fmt.Sprintf("reading archived object: %s", err), Latency: lat, Meta: s.meta()}
}

// Put compresses the value and uploads it. Affected carries the
// compressed byte count so callers can report the archive ratio.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts storage.Options) storage.Result {
	start := time.Now()

	compressed := s2.Encode(nil, value)

	metadata := map[string]string{
		"ts-original-size": strconv.Itoa(len(value)),
	}
	if opts.Checksum != "" {
		metadata["ts-checksum"] = opts.Checksum
	}
	for k, v := range opts.Metadata {
		metadata["ts-x-"+k] = v
	}

	objKey := s.objectKey(key)
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(compressed),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    metadata,
	})
	lat := time.Since(start)

	if err != nil {
		s.record("put", lat, storage.OutcomeError, key, false, storage.HitNone)
		return storage.Result{Err: fmt.Sprintf("uploading record: %s", err), Latency: lat, Meta: s.meta()}
	}

	s.record("put", lat, storage.OutcomeOK, key, true, storage.HitNone)
	s.logger.Debug("record archived",
		zap.String("key", key),
		zap.Int("original_bytes", len(value)),
		zap.Int("compressed_bytes", len(compressed)),
	)

	return storage.Result{Success: true, Affected: int64(len(compressed)), Latency: lat, Meta: s.meta()}
}

// Delete removes the object; S3 deletes are idempotent.
func (s *Store) Delete(ctx context.Context, key string) storage.Result {
	start := time.Now()

	objKey := s.objectKey(key)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	lat := time.Since(start)

	if err != nil {
		s.record("delete", lat, storage.OutcomeError, key, false, storage.HitNone)
		return storage.Result{Err: err.Error(), Latency: lat, Meta: s.meta()}
	}

	s.record("delete", lat, storage.OutcomeOK, key, true, storage.HitNone)
	return storage.Result{Success: true, Latency: lat, Meta: s.meta()}
}

// List pages through the bucket under the record prefix and strips it
// from the returned keys.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) storage.KeysResult {
	start := time.Now()

	scanPrefix := s.objectPrefix() + opts.Prefix
	var keys []string
	complete := true
	var continuation *string

	for {
		out, err := s.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &scanPrefix,
			ContinuationToken: continuation,
		})
		if err != nil {
			lat := time.Since(start)
			s.record("list", lat, storage.OutcomeError, opts.Prefix, false, storage.HitNone)
			return storage.KeysResult{Err: err.Error(), Latency: lat, Meta: s.meta()}
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			if opts.Limit > 0 && len(keys) >= opts.Limit {
				complete = false
				break
			}
			keys = append(keys, strings.TrimPrefix(*obj.Key, s.objectPrefix()))
		}

		if !complete || out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}

	lat := time.Since(start)
	s.record("list", lat, storage.OutcomeOK, opts.Prefix, true, storage.HitNone)
	return storage.KeysResult{Success: true, Keys: keys, Latency: lat, Complete: complete, Meta: s.meta()}
}

func (s *Store) Stats() storage.Stats {
	return s.tracker.Snapshot()
}

// HealthCheck verifies bucket reachability with HeadBucket.
func (s *Store) HealthCheck(ctx context.Context) storage.Health {
	if _, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket}); err != nil {
		return storage.Health{Healthy: false, Issues: []string{"head bucket: " + err.Error()}}
	}
	return storage.Health{Healthy: true}
}

// Close releases nothing: the S3 client is owned by the host.
func (s *Store) Close() error {
	return nil
}

func (s *Store) record(op string, lat time.Duration, outcome storage.Outcome, key string, success bool, hit storage.Hit) {
	s.tracker.Record(lat, outcome)
	s.coll.RecordOperation(op, storage.Tags{
		Layer:    backendName,
		Class:    storage.ClassArchive,
		Keyspace: storage.Keyspace(key),
	}, lat, success, hit)
}

func isNoSuchKey(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
