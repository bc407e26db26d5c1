package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"invoker/internal/common/storage"
	"invoker/internal/invoker/build"
	"invoker/internal/invoker/model"
	"invoker/internal/invoker/toolchain"
	"invoker/internal/minion/miniontest"
	pkgerrors "invoker/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type memStorage struct {
	objects map[string][]byte
	gets    int
}

func (m *memStorage) GetObject(_ context.Context, bucket, key string) (storage.ObjectReader, error) {
	m.gets++
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) StatObject(_ context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, errors.New("no such key")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestFetchLocalPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.cpp")
	if err := os.WriteFile(src, []byte("int main(){}"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := NewSourceFetcher(nil, filepath.Join(dir, "work"))

	path, cleanup, err := f.Fetch(context.Background(), "r1", model.SourceRef{Path: src})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	cleanup()
	if path != src {
		t.Fatalf("path = %s, want %s", path, src)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("cleanup must not remove caller files: %v", err)
	}

	if _, _, err := f.Fetch(context.Background(), "r2", model.SourceRef{Path: filepath.Join(dir, "missing")}); !pkgerrors.Is(err, pkgerrors.SourceFetchFailed) {
		t.Fatalf("expected SourceFetchFailed, got %v", err)
	}
	if _, _, err := f.Fetch(context.Background(), "r3", model.SourceRef{Path: dir}); !pkgerrors.Is(err, pkgerrors.SourceFetchFailed) {
		t.Fatalf("expected SourceFetchFailed for a directory, got %v", err)
	}
}

func TestFetchEmptyRef(t *testing.T) {
	f := NewSourceFetcher(nil, t.TempDir())
	path, cleanup, err := f.Fetch(context.Background(), "r", model.SourceRef{})
	if err != nil || path != "" {
		t.Fatalf("Fetch = %q, %v", path, err)
	}
	cleanup()
}

func TestFetchCompressedLocalFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.cpp.zst")
	if err := os.WriteFile(src, compress(t, []byte("print(1)")), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := NewSourceFetcher(nil, filepath.Join(dir, "work"))

	path, cleanup, err := f.Fetch(context.Background(), "req/../1", model.SourceRef{Path: src})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "print(1)" {
		t.Fatalf("decompressed source = %q, %v", data, err)
	}
	if filepath.Dir(filepath.Dir(path)) != filepath.Join(dir, "work") {
		t.Fatalf("source escaped the work root: %s", path)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cleanup left %s behind", path)
	}
}

func TestFetchObject(t *testing.T) {
	objects := &memStorage{objects: map[string][]byte{
		"sources/plain.cpp":   []byte("plain"),
		"sources/packed.zst":  compress(t, []byte("packed")),
		"sources/large.bytes": bytes.Repeat([]byte("x"), 64),
		"sources/large.zst":   compress(t, bytes.Repeat([]byte("x"), 64)),
	}}
	f := NewSourceFetcher(objects, t.TempDir())
	f.MaxBytes = 32
	ctx := context.Background()

	for key, want := range map[string]string{"plain.cpp": "plain", "packed.zst": "packed"} {
		path, cleanup, err := f.Fetch(ctx, "r", model.SourceRef{Bucket: "sources", Key: key})
		if err != nil {
			t.Fatalf("Fetch(%s): %v", key, err)
		}
		data, _ := os.ReadFile(path)
		cleanup()
		if string(data) != want {
			t.Fatalf("Fetch(%s) = %q, want %q", key, data, want)
		}
	}

	gets := objects.gets
	if _, _, err := f.Fetch(ctx, "r", model.SourceRef{Bucket: "sources", Key: "large.bytes"}); !pkgerrors.Is(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected size rejection, got %v", err)
	}
	if objects.gets != gets {
		t.Fatalf("oversized object was downloaded")
	}
	if _, _, err := f.Fetch(ctx, "r", model.SourceRef{Bucket: "sources", Key: "large.zst"}); !pkgerrors.Is(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected size rejection after decompression, got %v", err)
	}
	if _, _, err := f.Fetch(ctx, "r", model.SourceRef{Bucket: "sources", Key: "absent"}); !pkgerrors.Is(err, pkgerrors.SourceFetchFailed) {
		t.Fatalf("expected SourceFetchFailed, got %v", err)
	}
	if _, _, err := f.Fetch(ctx, "r", model.SourceRef{Key: "plain.cpp"}); !pkgerrors.Is(err, pkgerrors.InvalidParams) {
		t.Fatalf("expected InvalidParams without bucket, got %v", err)
	}
	if _, _, err := NewSourceFetcher(nil, t.TempDir()).Fetch(ctx, "r", model.SourceRef{Bucket: "b", Key: "k"}); !pkgerrors.Is(err, pkgerrors.StorageError) {
		t.Fatalf("expected StorageError without storage, got %v", err)
	}
}

type recordingBuilder struct {
	subs   []model.Submission
	source string
	status model.Status
	err    error
}

func (b *recordingBuilder) Build(_ context.Context, sub model.Submission) (model.Status, error) {
	b.subs = append(b.subs, sub)
	if sub.SourcePath != "" {
		data, _ := os.ReadFile(sub.SourcePath)
		b.source = string(data)
	}
	return b.status, b.err
}

func TestHandleInvokeRequest(t *testing.T) {
	objects := &memStorage{objects: map[string][]byte{"b/k": []byte("src")}}
	builder := &recordingBuilder{status: model.CompilationError(model.CodeCompilerFailed)}
	h := New(builder, NewSourceFetcher(objects, t.TempDir()))

	resp, err := h.HandleInvokeRequest(context.Background(), model.InvokeRequest{
		SubmissionID: 9,
		ToolchainID:  "cpp",
		Source:       model.SourceRef{Bucket: "b", Key: "k"},
	})
	if err != nil {
		t.Fatalf("HandleInvokeRequest: %v", err)
	}
	if resp.ID == "" {
		t.Fatalf("a missing request id must be generated")
	}
	if resp.Status != model.CompilationError(model.CodeCompilerFailed) {
		t.Fatalf("unexpected status %+v", resp.Status)
	}
	if len(builder.subs) != 1 || builder.subs[0].ID != 9 || builder.subs[0].ToolchainID != "cpp" || builder.subs[0].IsolationKey == "" {
		t.Fatalf("unexpected submission %+v", builder.subs)
	}
	if builder.source != "src" {
		t.Fatalf("builder saw source %q", builder.source)
	}
	if _, err := os.Stat(builder.subs[0].SourcePath); !os.IsNotExist(err) {
		t.Fatalf("fetched source must be removed after the request")
	}
}

func TestHandleInvokeRequestErrors(t *testing.T) {
	builder := &recordingBuilder{err: pkgerrors.New(pkgerrors.DominionCreateFailed)}
	h := New(builder, NewSourceFetcher(nil, t.TempDir()))

	_, err := h.HandleInvokeRequest(context.Background(), model.InvokeRequest{ID: "x", ToolchainID: "cpp"})
	if !pkgerrors.Is(err, pkgerrors.DominionCreateFailed) {
		t.Fatalf("expected DominionCreateFailed, got %v", err)
	}

	_, err = h.HandleInvokeRequest(context.Background(), model.InvokeRequest{ID: "y", Source: model.SourceRef{Path: "/definitely/not/here"}})
	if !pkgerrors.Is(err, pkgerrors.SourceFetchFailed) {
		t.Fatalf("expected SourceFetchFailed, got %v", err)
	}
	if len(builder.subs) != 1 {
		t.Fatalf("builder must not run when the source cannot be fetched")
	}
}

func TestHandleInvokeRequestConcurrentWithoutSubmissionID(t *testing.T) {
	set, err := toolchain.NewSet([]toolchain.Toolchain{{
		Name:          "slow",
		BuildCommands: []toolchain.BuildCommand{{Argv: []string{"hang"}}},
	}})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	backend := miniontest.New(map[string]miniontest.Behavior{"hang": {Hang: true}})
	driver := build.NewDriver(backend, set, build.Config{SysRoot: t.TempDir(), CommandTimeout: 100 * time.Millisecond})
	h := New(driver, NewSourceFetcher(nil, t.TempDir()))

	type result struct {
		resp model.InvokeResponse
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := h.HandleInvokeRequest(context.Background(), model.InvokeRequest{ID: "same", ToolchainID: "slow"})
			results <- result{resp, err}
		}()
	}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("HandleInvokeRequest: %v", r.err)
		}
		if r.resp.Status != model.CompilationError(model.CodeCompilationTimedOut) {
			t.Fatalf("unexpected status %+v", r.resp.Status)
		}
	}
	doms := backend.Dominions()
	if len(doms) != 2 || doms[0].IsolationRoot == doms[1].IsolationRoot {
		t.Fatalf("requests must not share an isolation root: %+v", doms)
	}
}
