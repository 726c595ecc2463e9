package sync

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockObject struct {
	data []byte
	md5  string
}

// mockDest is an in-memory hierarchical Destination for testing.
type mockDest struct {
	mu          stdsync.Mutex
	objects     map[string]*mockObject
	putCalls    []string
	deleteCalls []string

	statErr  map[string]error
	putErr   map[string]error
	listErr  map[string]error
	noSize   bool
	noMD5    bool
	// md5FromPut makes Stat report only the hash passed in PutOptions, as S3
	// does for multipart uploads.
	md5FromPut bool
	putHook    func(path string)
	statHook   func(path string)
}

func newMockDest() *mockDest {
	return &mockDest{
		objects: make(map[string]*mockObject),
		statErr: make(map[string]error),
		putErr:  make(map[string]error),
		listErr: make(map[string]error),
	}
}

func (m *mockDest) set(p, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := md5.Sum([]byte(content))
	m.objects[p] = &mockObject{data: []byte(content), md5: hex.EncodeToString(sum[:])}
}

func (m *mockDest) has(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	return ok
}

func (m *mockDest) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *mockDest) puts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.putCalls...)
	sort.Strings(out)
	return out
}

func (m *mockDest) deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.deleteCalls...)
	sort.Strings(out)
	return out
}

func (m *mockDest) Stat(_ context.Context, p string) (*ObjectMeta, error) {
	if m.statHook != nil {
		m.statHook(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.statErr[p]; err != nil {
		return nil, err
	}
	obj, ok := m.objects[p]
	if !ok {
		return nil, ErrNotFound
	}
	meta := &ObjectMeta{}
	if !m.noSize {
		size := int64(len(obj.data))
		meta.Size = &size
	}
	if !m.noMD5 {
		meta.MD5 = obj.md5
	}
	return meta, nil
}

func (m *mockDest) Put(_ context.Context, p string, r io.Reader, opts PutOptions) error {
	if m.putHook != nil {
		m.putHook(p)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls = append(m.putCalls, p)
	if err := m.putErr[p]; err != nil {
		return err
	}
	sum := md5.Sum(data)
	obj := &mockObject{data: data, md5: hex.EncodeToString(sum[:])}
	if m.md5FromPut {
		obj.md5 = opts.MD5
	}
	m.objects[p] = obj
	return nil
}

func (m *mockDest) storedMD5(p string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[p]; ok {
		return obj.md5
	}
	return ""
}

func (m *mockDest) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, p)
	delete(m.objects, p)
	return nil
}

func (m *mockDest) ListDir(_ context.Context, dir string) ([]DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.listErr[dir]; err != nil {
		return nil, err
	}
	prefix := dirPrefix(dir)
	seen := map[string]bool{}
	var out []DirEntry
	for k := range m.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			if name := rest[:i]; !seen[name] {
				seen[name] = true
				out = append(out, DirEntry{Name: name, Type: EntryDirectory})
			}
			continue
		}
		out = append(out, DirEntry{Name: rest, Type: EntryObject})
	}
	return out, nil
}

func (m *mockDest) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeFile creates a file under dir with the given content and returns its os.FileInfo.
func writeFile(t *testing.T, dir, name, content string) os.FileInfo {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func runSync(t *testing.T, opts Options) *Report {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	report, err := Sync(context.Background(), opts)
	require.NoError(t, err)
	return report
}

func TestSync_uploadsNewFiles(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", strings.Repeat("a", 10))
	writeFile(t, src, "sub/b.txt", strings.Repeat("b", 20))

	dst := newMockDest()
	report := runSync(t, Options{Src: src, Dst: dst})

	assert.Equal(t, Counts{Uploaded: 2, BytesUploaded: 30}, report.Counts())
	assert.Empty(t, report.Errors())
	assert.True(t, report.OK())
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, dst.keys())
	assert.Empty(t, dst.deletes())
}

func TestSync_secondRunUploadsNothing(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", strings.Repeat("a", 10))
	writeFile(t, src, "sub/b.txt", strings.Repeat("b", 20))

	dst := newMockDest()
	runSync(t, Options{Src: src, Dst: dst})
	report := runSync(t, Options{Src: src, Dst: dst})

	assert.Equal(t, Counts{Matched: 2}, report.Counts())
	assert.Len(t, dst.puts(), 2, "only the first run should have uploaded")
}

func TestSync_reuploadsWhenSizeDiffers(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "hello")

	dst := newMockDest()
	dst.set("a.txt", "hello!")

	report := runSync(t, Options{Src: src, Dst: dst})

	assert.Equal(t, []string{"a.txt"}, dst.puts())
	assert.Equal(t, 1, report.Counts().Uploaded)
}

func TestSync_sizeStrategyIgnoresContent(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "hello")

	dst := newMockDest()
	dst.set("a.txt", "jello")

	report := runSync(t, Options{Src: src, Dst: dst})

	assert.Empty(t, dst.puts())
	assert.Equal(t, Counts{Matched: 1}, report.Counts())
}

func TestSync_missingRemoteSizeForcesUpload(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "hello")

	dst := newMockDest()
	dst.set("a.txt", "hello")
	dst.noSize = true

	runSync(t, Options{Src: src, Dst: dst})
	assert.Equal(t, []string{"a.txt"}, dst.puts())
}

func TestSync_hashStrategy(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "same.txt", "hello")
	writeFile(t, src, "changed.txt", "hello")

	dst := newMockDest()
	dst.set("same.txt", "hello")
	dst.set("changed.txt", "jello")

	report := runSync(t, Options{Src: src, Dst: dst, Compare: HashStrategy})

	assert.Equal(t, []string{"changed.txt"}, dst.puts())
	assert.Equal(t, Counts{Uploaded: 1, Matched: 1, BytesUploaded: 5}, report.Counts())
}

func TestSync_hashStrategyIgnoresModTime(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "hello")
	later := time.Now().Add(48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), later, later))

	dst := newMockDest()
	dst.set("a.txt", "hello")

	report := runSync(t, Options{Src: src, Dst: dst, Compare: HashStrategy})

	assert.Empty(t, dst.puts())
	assert.Equal(t, 1, report.Counts().Matched)
}

func TestSync_hashStrategyMissingRemoteHashIsEmptyPayload(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "empty.txt", "")
	writeFile(t, src, "full.txt", "data")

	dst := newMockDest()
	dst.set("empty.txt", "")
	dst.set("full.txt", "data")
	dst.noMD5 = true

	runSync(t, Options{Src: src, Dst: dst, Compare: HashStrategy})

	assert.Equal(t, []string{"full.txt"}, dst.puts())
}

func TestSync_hashStrategyStoresHashOnFirstUpload(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "big.bin", "hello")

	dst := newMockDest()
	dst.md5FromPut = true

	first := runSync(t, Options{Src: src, Dst: dst, Compare: HashStrategy})
	assert.Equal(t, 1, first.Counts().Uploaded)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", dst.storedMD5("big.bin"))

	second := runSync(t, Options{Src: src, Dst: dst, Compare: HashStrategy})
	assert.Equal(t, Counts{Matched: 1}, second.Counts(), "unchanged file must not be uploaded again")
	assert.Len(t, dst.puts(), 1)
}

func TestSync_metadataErrorIsReportedNotUploaded(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "hello")
	writeFile(t, src, "b.txt", "world")

	dst := newMockDest()
	dst.statErr["a.txt"] = errors.New("InternalError")

	report := runSync(t, Options{Src: src, Dst: dst})

	assert.Equal(t, []string{"b.txt"}, dst.puts())
	c := report.Counts()
	assert.Equal(t, 1, c.Uploaded)
	assert.Equal(t, 0, c.Matched)
	assert.Equal(t, 1, c.Failed)
	require.Len(t, report.Errors(), 1)
	assert.Contains(t, report.Errors()[0], "a.txt... unknown error: InternalError")
	assert.False(t, report.OK())
}

func TestSync_uploadErrorDoesNotStopQueue(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, src, name, name)
	}

	dst := newMockDest()
	dst.putErr["b.txt"] = errors.New("SlowDown")

	report := runSync(t, Options{Src: src, Dst: dst, Concurrency: 1})

	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, dst.puts())
	assert.Equal(t, 2, report.Counts().Uploaded)
	assert.Equal(t, 1, report.Counts().Failed)
	require.Len(t, report.Errors(), 1)
	assert.Contains(t, report.Errors()[0], "b.txt... error uploading: SlowDown")
}

func TestSync_deleteMode(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "keep.txt", "keep")

	dst := newMockDest()
	dst.set("keep.txt", "keep")
	dst.set("old.txt", "old")

	report := runSync(t, Options{Src: src, Dst: dst, Delete: true})

	assert.Equal(t, []string{"old.txt"}, dst.deletes())
	assert.True(t, dst.has("keep.txt"), "keep.txt should not have been deleted")
	assert.Equal(t, Counts{Matched: 1, Deleted: 1}, report.Counts())
}

func TestSync_deleteNeverRemovesFreshUploads(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, src, filepath.Join("d", string(rune('a'+i))+".txt"), "x")
	}

	dst := newMockDest()
	dst.set("d/zz-old.txt", "old")
	dst.putHook = func(string) { time.Sleep(time.Millisecond) }

	report := runSync(t, Options{Src: src, Dst: dst, Delete: true, Concurrency: 4})

	assert.Equal(t, []string{"d/zz-old.txt"}, dst.deletes())
	assert.Equal(t, 20, report.Counts().Uploaded)
	assert.Len(t, dst.keys(), 20)
}

func TestSync_deleteOnly(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "new.txt", "new")

	dst := newMockDest()
	dst.set("stale.txt", "stale")

	report := runSync(t, Options{Src: src, Dst: dst, DeleteOnly: true})

	assert.Empty(t, dst.puts(), "delete-only must not upload")
	assert.Equal(t, []string{"stale.txt"}, dst.deletes())
	assert.Equal(t, Counts{Deleted: 1}, report.Counts())
}

func TestSync_emptySourceSkipsDeletion(t *testing.T) {
	src := t.TempDir()
	dst := newMockDest()
	dst.set("remote.txt", "r")

	report := runSync(t, Options{Src: src, Dst: dst, Delete: true})

	assert.Empty(t, dst.deletes())
	assert.Equal(t, Counts{}, report.Counts())
	assert.True(t, report.OK())
}

func TestSync_emptySourceDeleteOnlyStillDeletes(t *testing.T) {
	src := t.TempDir()
	dst := newMockDest()
	dst.set("remote.txt", "r")

	runSync(t, Options{Src: src, Dst: dst, DeleteOnly: true})

	assert.Equal(t, []string{"remote.txt"}, dst.deletes())
}

func TestSync_remoteListingFailureAbortsDeletion(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "a")

	dst := newMockDest()
	dst.set("a.txt", "a")
	dst.set("old.txt", "old")
	dst.set("sub/old.txt", "old")
	dst.listErr["sub"] = errors.New("ServiceUnavailable")

	report := runSync(t, Options{Src: src, Dst: dst, Delete: true})

	assert.Empty(t, dst.deletes(), "no deletion may be based on a partial listing")
	require.Len(t, report.Errors(), 1)
	assert.Contains(t, report.Errors()[0], "error listing remote files")
	assert.False(t, report.OK())
}

func TestSync_dryRunSkipsAllWrites(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "new.txt", "new")

	dst := newMockDest()
	dst.set("stale.txt", "stale")

	report := runSync(t, Options{Src: src, Dst: dst, DryRun: true, Delete: true})

	assert.Empty(t, dst.puts(), "dry-run: expected no uploads")
	assert.Empty(t, dst.deletes(), "dry-run: expected no deletes")
	assert.Equal(t, Counts{Uploaded: 1, Deleted: 1, BytesUploaded: 3}, report.Counts())
}

func TestSync_nestedDirectories(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a/x.txt", "x")
	writeFile(t, src, "a/b/y.txt", "y")

	dst := newMockDest()
	runSync(t, Options{Src: src, Dst: dst})

	puts := dst.puts()
	assert.Equal(t, []string{"a/b/y.txt", "a/x.txt"}, puts)
	for _, key := range puts {
		assert.NotContains(t, key, `\`, "keys must use forward slashes")
	}
}

func TestSync_remoteRoot(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "a")

	dst := newMockDest()
	dst.set("backups/old.txt", "old")
	dst.set("elsewhere/untouched.txt", "keep")

	report := runSync(t, Options{Src: src, Dst: dst, DstRoot: "/backups/", Delete: true})

	assert.Equal(t, []string{"backups/a.txt"}, dst.puts())
	assert.Equal(t, []string{"backups/old.txt"}, dst.deletes())
	assert.True(t, dst.has("elsewhere/untouched.txt"))
	assert.Equal(t, Counts{Uploaded: 1, Deleted: 1, BytesUploaded: 1}, report.Counts())
}

func TestSync_exclude(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "a.txt", "a")
	writeFile(t, src, "a.tmp", "tmp")
	writeFile(t, src, "cache/big.bin", "big")

	dst := newMockDest()
	dst.set("remote.tmp", "keep me")
	dst.set("cache/stale.bin", "keep me too")
	dst.set("gone.txt", "delete me")

	runSync(t, Options{
		Src:     src,
		Dst:     dst,
		Delete:  true,
		Exclude: []string{"**/*.tmp", "cache"},
	})

	assert.Equal(t, []string{"a.txt"}, dst.puts())
	assert.Equal(t, []string{"gone.txt"}, dst.deletes())
}

func TestSync_statusListsPendingWork(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, src, name, name)
	}

	release := make(chan struct{})
	dst := newMockDest()
	dst.putHook = func(string) { <-release }

	e, err := New(Options{Src: src, Dst: dst, Concurrency: 1, Logger: quietLogger()})
	require.NoError(t, err)

	done := make(chan *Report)
	go func() {
		r, _ := e.Run(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool {
		for _, st := range e.Status() {
			if st.Name == "put" && len(st.Pending) == 2 {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseUploading, e.Phase())

	close(release)
	report := <-done
	assert.Equal(t, 3, report.Counts().Uploaded)
	assert.Equal(t, PhaseDone, e.Phase())
}

func TestSync_interruptDropsQueuedWork(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, src, name, name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dst := newMockDest()
	e, err := New(Options{Src: src, Dst: dst, Concurrency: 1, Logger: quietLogger()})
	require.NoError(t, err)

	var calls atomic.Int32
	dst.putHook = func(string) {
		if calls.Add(1) > 1 {
			return
		}
		cancel()
		// hold the in-flight upload until the queued ones have been dropped
		assert.Eventually(t, func() bool {
			for _, st := range e.Status() {
				if st.Name == "put" {
					return len(st.Pending) == 0
				}
			}
			return false
		}, 5*time.Second, 5*time.Millisecond)
	}

	report, err := e.Run(ctx)
	require.NoError(t, err)

	assert.Len(t, dst.puts(), 1, "only the in-flight upload should complete")
	assert.Equal(t, 1, report.Counts().Uploaded)
	require.NotEmpty(t, report.Errors())
	last := report.Errors()[len(report.Errors())-1]
	assert.Contains(t, last, "interrupted: 2 queued put tasks")
}

func TestSync_runOnce(t *testing.T) {
	src := t.TempDir()
	e, err := New(Options{Src: src, Dst: newMockDest(), Logger: quietLogger()})
	require.NoError(t, err)

	_, err = e.Run(context.Background())
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestSync_invalidOptions(t *testing.T) {
	_, err := New(Options{Src: t.TempDir()})
	assert.Error(t, err, "missing destination")

	_, err = New(Options{Src: t.TempDir(), Dst: newMockDest(), Concurrency: -1})
	assert.Error(t, err)

	_, err = New(Options{Src: t.TempDir(), Dst: newMockDest(), Exclude: []string{"[unclosed"}})
	assert.Error(t, err)
}

func TestSync_invalidSrc(t *testing.T) {
	dst := newMockDest()
	_, err := Sync(context.Background(), Options{Src: "/nonexistent/path", Dst: dst})
	if err == nil {
		t.Error("expected error for nonexistent source, got nil")
	}
}

func TestSync_srcMustBeDirectory(t *testing.T) {
	f, err := os.CreateTemp("", "treesync-*.txt")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	dst := newMockDest()
	_, err = Sync(context.Background(), Options{Src: f.Name(), Dst: dst})
	if err == nil {
		t.Error("expected error when src is a file, got nil")
	}
}

func TestReport_writeErrors(t *testing.T) {
	r := &Report{}
	var buf bytes.Buffer
	r.WriteErrors(&buf)
	assert.Empty(t, buf.String())

	r.fileFailed("a.txt... error uploading: SlowDown (1/1)")
	r.runFailed("error listing remote files: AccessDenied")
	r.WriteErrors(&buf)
	assert.Equal(t, "\n== errors\na.txt... error uploading: SlowDown (1/1)\nerror listing remote files: AccessDenied\n", buf.String())
	assert.Equal(t, 1, r.Counts().Failed)
}

func TestSync_ignoreFile(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, IgnoreFileName, "# scratch\n*.log\nbuild/\n")
	writeFile(t, src, "a.txt", "a")
	writeFile(t, src, "debug.log", "log")
	writeFile(t, src, "build/out.bin", "bin")

	dst := newMockDest()
	dst.set("old.log", "keep")
	dst.set("build/stale.bin", "keep")
	dst.set("gone.txt", "delete")

	runSync(t, Options{Src: src, Dst: dst, Delete: true})

	assert.Equal(t, []string{IgnoreFileName, "a.txt"}, dst.puts())
	assert.Equal(t, []string{"gone.txt"}, dst.deletes())
}
