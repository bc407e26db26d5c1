package handler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"invoker/internal/common/storage"
	"invoker/internal/invoker/model"
	pkgerrors "invoker/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	zstdSuffix      = ".zst"
	defaultMaxBytes = 64 << 20
	sourceFileName  = "source"
)

// SourceFetcher materializes a request's source as a local file.
type SourceFetcher struct {
	storage  storage.ObjectStorage
	workRoot string
	// MaxBytes bounds the decompressed source size.
	MaxBytes int64
}

// NewSourceFetcher creates a fetcher. objects may be nil when only local
// paths are served.
func NewSourceFetcher(objects storage.ObjectStorage, workRoot string) *SourceFetcher {
	return &SourceFetcher{storage: objects, workRoot: workRoot, MaxBytes: defaultMaxBytes}
}

// Fetch returns the path of the source file and a cleanup func that removes
// anything Fetch created. An empty SourceRef yields an empty path.
func (f *SourceFetcher) Fetch(ctx context.Context, requestID string, ref model.SourceRef) (string, func(), error) {
	noop := func() {}
	switch {
	case ref.Bucket != "" || ref.Key != "":
		return f.fetchObject(ctx, requestID, ref)
	case ref.Path == "":
		return "", noop, nil
	case strings.HasSuffix(ref.Path, zstdSuffix):
		in, err := os.Open(ref.Path)
		if err != nil {
			return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "open source %s", ref.Path)
		}
		defer in.Close()
		return f.materialize(requestID, in, true)
	default:
		info, err := os.Stat(ref.Path)
		if err != nil {
			return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "stat source %s", ref.Path)
		}
		if !info.Mode().IsRegular() {
			return "", noop, pkgerrors.Newf(pkgerrors.SourceFetchFailed, "source %s is not a regular file", ref.Path)
		}
		return ref.Path, noop, nil
	}
}

func (f *SourceFetcher) fetchObject(ctx context.Context, requestID string, ref model.SourceRef) (string, func(), error) {
	noop := func() {}
	if ref.Bucket == "" || ref.Key == "" {
		return "", noop, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("source bucket and key must be set together")
	}
	if f.storage == nil {
		return "", noop, pkgerrors.New(pkgerrors.StorageError).WithMessage("object storage is not configured")
	}
	compressed := strings.HasSuffix(ref.Key, zstdSuffix)
	// A compressed object's stored size says nothing about what it expands to.
	if !compressed {
		stat, err := f.storage.StatObject(ctx, ref.Bucket, ref.Key)
		if err != nil {
			return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "stat %s/%s", ref.Bucket, ref.Key)
		}
		if limit := f.limit(); stat.SizeBytes > limit {
			return "", noop, pkgerrors.Newf(pkgerrors.InvalidParams, "source exceeds %d bytes", limit)
		}
	}
	reader, err := f.storage.GetObject(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "download %s/%s", ref.Bucket, ref.Key)
	}
	defer reader.Close()
	return f.materialize(requestID, reader, compressed)
}

func (f *SourceFetcher) limit() int64 {
	if f.MaxBytes <= 0 {
		return defaultMaxBytes
	}
	return f.MaxBytes
}

func (f *SourceFetcher) materialize(requestID string, r io.Reader, compressed bool) (string, func(), error) {
	noop := func() {}
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "open zstd stream")
		}
		defer dec.Close()
		r = dec
	}

	if err := os.MkdirAll(f.workRoot, 0750); err != nil {
		return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "create work root")
	}
	dir, err := os.MkdirTemp(f.workRoot, "req-"+sanitize(requestID)+"-")
	if err != nil {
		return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "create request directory")
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, sourceFileName)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		cleanup()
		return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "create source file")
	}
	limit := f.limit()
	n, err := io.Copy(out, io.LimitReader(r, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", noop, pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "write source file")
	}
	if n > limit {
		cleanup()
		return "", noop, pkgerrors.Newf(pkgerrors.InvalidParams, "source exceeds %d bytes", limit)
	}
	return path, cleanup, nil
}

func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 36 {
			break
		}
	}
	return b.String()
}
