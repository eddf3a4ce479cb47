package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/goingest/pkg/discovery"
)

type fakeStore struct {
	mu      sync.Mutex
	files   map[string]bool
	deletes int
	err     error
	delay   time.Duration
}

func (s *fakeStore) List(context.Context, string) ([]string, error) { return nil, nil }

func (s *fakeStore) Download(context.Context, string) ([]byte, error) { return nil, nil }

func (s *fakeStore) Delete(_ context.Context, p string) (bool, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.err != nil {
		return false, s.err
	}
	if !s.files[p] {
		return false, nil
	}
	delete(s.files, p)
	return true, nil
}

var offreply = discovery.RemoteFile{Name: "VRL-URA-OFFREPLY-D2-20250101093000", Directory: "/nro/output", Agency: discovery.AgencyLTA}

func TestFinalize(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{files: map[string]bool{offreply.Path(): true}}
	c, err := New(store, nil)
	require.NoError(t, err)

	out, err := c.Finalize(ctx, offreply, false)
	require.NoError(t, err)
	assert.Equal(t, Retained, out)
	assert.Equal(t, 0, store.deletes)

	out, err = c.Finalize(ctx, offreply, true)
	require.NoError(t, err)
	assert.Equal(t, Deleted, out)

	out, err = c.Finalize(ctx, offreply, true)
	require.NoError(t, err)
	assert.Equal(t, AlreadyGone, out)
}

func TestFinalize_DeleteFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	store := &fakeStore{err: errors.New("connection reset")}
	c, err := New(store, zap.New(core))
	require.NoError(t, err)

	out, err := c.Finalize(context.Background(), offreply, true)
	assert.Equal(t, Failed, out)
	var ce *CleanupError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, offreply.Path(), ce.Path)
	assert.EqualError(t, errors.Unwrap(err), "connection reset")

	entries := logs.FilterMessage("SFTP delete failed, manual cleanup required").All()
	require.Len(t, entries, 1)
	assert.Equal(t, offreply.Path(), entries[0].ContextMap()["path"])
}

func TestFinalize_ConcurrentSamePathDeletesOnce(t *testing.T) {
	store := &fakeStore{files: map[string]bool{offreply.Path(): true}, delay: 5 * time.Millisecond}
	c, err := New(store, nil)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := c.Finalize(context.Background(), offreply, true)
			assert.NoError(t, err)
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, map[Outcome]int{Deleted: 1, AlreadyGone: 5}, outcomes)
	assert.Empty(t, c.locks)
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
