package decrypt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goingest/pkg/archive"
	"github.com/3leaps/goingest/pkg/discovery"
)

type memRemote struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memRemote) List(ctx context.Context, dir string) ([]string, error) { return nil, nil }

func (m *memRemote) Download(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (m *memRemote) Delete(ctx context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[p]
	delete(m.files, p)
	return ok, nil
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (a *memArchive) Upload(ctx context.Context, data []byte, p string) archive.UploadResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return archive.UploadResult{Path: p, Err: errors.New("archive unavailable")}
	}
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[p] = append([]byte(nil), data...)
	return archive.UploadResult{Success: true, Path: p, URL: "mem://" + p, Size: int64(len(data))}
}

func (a *memArchive) has(p string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[p]
	return ok
}

type gatewayCall struct {
	appCode, operation, fileRef, requestID string
	metadata                               map[string]string
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []gatewayCall
	err   error

	// onRequest runs inside RequestDecrypt, e.g. to simulate an early callback.
	onRequest func(requestID string)
}

func (g *fakeGateway) RequestDecrypt(ctx context.Context, appCode, operation, fileRef string, metadata map[string]string, requestID string) error {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{appCode, operation, fileRef, requestID, metadata})
	hook, err := g.onRequest, g.err
	g.mu.Unlock()
	if hook != nil {
		hook(requestID)
	}
	return err
}

type syncGateway struct {
	fakeGateway
}

func (g *syncGateway) Decrypt(ctx context.Context, appCode, fileRef string, ciphertext []byte) ([]byte, error) {
	return []byte("plain:" + string(ciphertext)), nil
}

type recordingResumer struct {
	mu    sync.Mutex
	calls []Request
	data  [][]byte
	err   error
	panic bool

	// during runs inside ResumeFile before it returns.
	during func(req Request)
}

func (r *recordingResumer) ResumeFile(ctx context.Context, req Request, plaintext []byte) error {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.data = append(r.data, plaintext)
	hook := r.during
	r.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if r.panic {
		panic("parser exploded")
	}
	return r.err
}

func (r *recordingResumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var testNow = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	coord   *Coordinator
	store   *RequestStore
	remote  *memRemote
	archive *memArchive
	gateway *fakeGateway
	resumer *recordingResumer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   openTestStore(t),
		remote:  &memRemote{files: map[string][]byte{}},
		archive: &memArchive{},
		gateway: &fakeGateway{},
		resumer: &recordingResumer{},
	}
	ids := 0
	c, err := NewCoordinator(Config{
		Store:   h.store,
		Remote:  h.remote,
		Archive: h.archive,
		Gateway: h.gateway,
		Now:     func() time.Time { return testNow },
		NewID: func() string {
			ids++
			return "id" + string(rune('0'+ids))
		},
	})
	require.NoError(t, err)
	c.SetResumer(h.resumer)
	h.coord = c
	return h
}

func ltaFile(name string, kind discovery.Kind) discovery.RemoteFile {
	return discovery.RemoteFile{
		Name:         name,
		Directory:    "/nro/output",
		Agency:       "LTA",
		DiscoveredAt: testNow,
		GroupKey:     "20250101093000",
		Kind:         kind,
	}
}

func TestResolve_PlainFile(t *testing.T) {
	h := newHarness(t)
	f := ltaFile("VRL-URA-OFFREPLY-D2-20250101093000", discovery.KindPlain)
	h.remote.files[f.Path()] = []byte("H...")

	res, err := h.coord.Resolve(context.Background(), f)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, []byte("H..."), res.Plaintext)
	assert.Equal(t, []string{"lta/20250102/VRL-URA-OFFREPLY-D2-20250101093000"}, res.ArchivePaths)
	assert.Empty(t, h.gateway.calls)
}

func TestResolve_ArchiveFailureIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.archive.fail = true
	f := ltaFile("VRL-URA-OFFREPLY-D2-20250101093000", discovery.KindPlain)
	h.remote.files[f.Path()] = []byte("H...")

	_, err := h.coord.Resolve(context.Background(), f)
	var de *DecryptError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "archive", de.Op)
	assert.True(t, de.Retryable)
}

func TestResolve_DownloadFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Resolve(context.Background(), ltaFile("missing", discovery.KindPlain))
	var de *DecryptError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "download", de.Op)
}

func TestResolve_EncryptedAsync(t *testing.T) {
	h := newHarness(t)
	f := ltaFile("VRL-URA-OFFREPLY-D2-20250101093000.p7", discovery.KindEncrypted)
	h.remote.files[f.Path()] = []byte("cipher")

	// The row must exist before the gateway is called.
	h.gateway.onRequest = func(id string) {
		req, err := h.store.Get(context.Background(), id)
		assert.NoError(t, err)
		assert.Equal(t, StatusPending, req.Status)
	}

	res, err := h.coord.Resolve(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Plaintext)
	assert.Equal(t, "URA_REQ_id1", res.RequestID)
	assert.True(t, h.archive.has("lta/20250102/VRL-URA-OFFREPLY-D2-20250101093000.p7"))

	require.Len(t, h.gateway.calls, 1)
	call := h.gateway.calls[0]
	assert.Equal(t, "URA", call.appCode)
	assert.Equal(t, OperationDecrypt, call.operation)
	assert.Equal(t, "mem://lta/20250102/VRL-URA-OFFREPLY-D2-20250101093000.p7", call.fileRef)
	assert.Equal(t, "URA_REQ_id1", call.requestID)
	assert.Equal(t, "LTA", call.metadata["agency"])

	claimed, err := h.store.IsClaimed(context.Background(), "LTA", f.Path())
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestResolve_GatewayFailureReleasesClaim(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errors.New("crypto service down")
	f := ltaFile("VRL-URA-OFFREPLY-D2-20250101093000.p7", discovery.KindEncrypted)
	h.remote.files[f.Path()] = []byte("cipher")

	_, err := h.coord.Resolve(context.Background(), f)
	var de *DecryptError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "URA_REQ_id1", de.RequestID)

	req, err := h.store.Get(context.Background(), "URA_REQ_id1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
	assert.Contains(t, req.Error, "crypto service down")

	claimed, err := h.store.IsClaimed(context.Background(), "LTA", f.Path())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestResolve_EncryptedSync(t *testing.T) {
	store := openTestStore(t)
	ar := &memArchive{}
	rm := &memRemote{files: map[string][]byte{}}
	c, err := NewCoordinator(Config{
		Store:   store,
		Remote:  rm,
		Archive: ar,
		Gateway: &syncGateway{},
		Modes:   map[string]Mode{"LTA": ModeSync},
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)

	f := ltaFile("VRL-URA-OFFREPLY-D2-20250101093000.p7", discovery.KindEncrypted)
	rm.files[f.Path()] = []byte("cipher")

	res, err := c.Resolve(context.Background(), f)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, "plain:cipher", string(res.Plaintext))
	assert.Equal(t, []string{
		"lta/20250102/VRL-URA-OFFREPLY-D2-20250101093000.p7",
		"lta/20250102/VRL-URA-OFFREPLY-D2-20250101093000",
	}, res.ArchivePaths)
}

func TestNewCoordinator_SyncModeNeedsSyncGateway(t *testing.T) {
	_, err := NewCoordinator(Config{
		Store:   openTestStore(t),
		Remote:  &memRemote{},
		Archive: &memArchive{},
		Gateway: &fakeGateway{},
		Modes:   map[string]Mode{"LTA": ModeSync},
	})
	require.Error(t, err)
}

func submitOne(t *testing.T, h *harness) string {
	t.Helper()
	f := ltaFile("VRL-URA-OFFREPLY-D2-20250101093000.p7", discovery.KindEncrypted)
	h.remote.files[f.Path()] = []byte("cipher")
	res, err := h.coord.Resolve(context.Background(), f)
	require.NoError(t, err)
	require.True(t, res.Pending)
	return res.RequestID
}

func TestOnDecryptCallback_ResumesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := submitOne(t, h)

	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))
	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))

	assert.Equal(t, 1, h.resumer.count())
	assert.Equal(t, "VRL-URA-OFFREPLY-D2-20250101093000.p7", h.resumer.calls[0].SourceFile)
	assert.Equal(t, []byte("plaintext"), h.resumer.data[0])
	assert.True(t, h.archive.has("lta/20250102/VRL-URA-OFFREPLY-D2-20250101093000"))

	req, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
}

func TestOnDecryptCallback_ClaimHeldUntilResumeReturns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := submitOne(t, h)

	var (
		duringStatus Status
		duringClaim  bool
	)
	h.resumer.during = func(req Request) {
		got, err := h.store.Get(ctx, req.RequestID)
		require.NoError(t, err)
		duringStatus = got.Status
		duringClaim, err = h.store.IsClaimed(ctx, req.Agency, req.SourcePath())
		require.NoError(t, err)
	}

	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))
	assert.Equal(t, StatusResuming, duringStatus)
	assert.True(t, duringClaim, "a run started mid-resume must not see the file")

	req, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	claimed, err := h.store.IsClaimed(ctx, req.Agency, req.SourcePath())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestResolve_EncryptedAckOnlyPersistsFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	f := discovery.RemoteFile{
		Name:         "DPT-URA-LOG-PDF-20250101.p7",
		Directory:    "/output",
		Agency:       "TOPPAN",
		DiscoveredAt: testNow,
		GroupKey:     "20250101",
		FileType:     "LOG-PDF",
		Kind:         discovery.KindEncrypted,
		AckOnly:      true,
	}
	h.remote.files[f.Path()] = []byte("cipher")

	res, err := h.coord.Resolve(ctx, f)
	require.NoError(t, err)
	require.True(t, res.Pending)

	req, err := h.store.Get(ctx, res.RequestID)
	require.NoError(t, err)
	assert.True(t, req.AckOnly)
	assert.Equal(t, "LOG-PDF", req.FileType)

	require.NoError(t, h.coord.OnDecryptCallback(ctx, res.RequestID, []byte("%PDF-1.4")))
	require.Equal(t, 1, h.resumer.count())
	assert.True(t, h.resumer.calls[0].AckOnly)
	assert.True(t, h.archive.has("toppan/20250102/DPT-URA-LOG-PDF-20250101"))
}

func TestOnDecryptCallback_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := submitOne(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.resumer.count())
}

func TestOnDecryptCallback_UnknownRequestIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.OnDecryptCallback(context.Background(), "URA_REQ_unknown", []byte("x")))
	assert.Equal(t, 0, h.resumer.count())
}

func TestOnDecryptCallback_ResumerPanicIsRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resumer.panic = true
	id := submitOne(t, h)

	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))

	req, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	assert.Contains(t, req.Error, "panic: parser exploded")
}

func TestOnDecryptCallback_ResumerErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.resumer.err = errors.New("case store offline")
	id := submitOne(t, h)

	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))

	req, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "case store offline", req.Error)
	assert.Equal(t, StatusCompleted, req.Status, "the claim is released after a failed resume")
}

func TestOnDecryptCallback_ArchiveFailureReleasesFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := submitOne(t, h)
	h.archive.mu.Lock()
	h.archive.fail = true
	h.archive.mu.Unlock()

	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("plaintext")))
	assert.Equal(t, 0, h.resumer.count())

	req, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
}

func TestOnDecryptFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := submitOne(t, h)

	require.NoError(t, h.coord.OnDecryptFailure(ctx, id, "bad signature"))
	require.NoError(t, h.coord.OnDecryptCallback(ctx, id, []byte("late")))
	assert.Equal(t, 0, h.resumer.count())

	req, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, req.Status)
	assert.Equal(t, "bad signature", req.Error)
}

func TestExpireStaleAndStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.Create(ctx, sampleRequest("URA_REQ_old", testNow.Add(-3*time.Hour))))
	require.NoError(t, h.store.Create(ctx, Request{
		RequestID: "URA_REQ_new", AppCode: "URA", Agency: "TOPPAN", SourceFile: "b", Directory: "/output",
		SubmittedAt: testNow.Add(-time.Minute),
	}))

	n, err := h.coord.ExpireStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := h.coord.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.PendingAge.Under10m)
}
