package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goingest/pkg/cleanup"
	"github.com/3leaps/goingest/pkg/discovery"
	"github.com/3leaps/goingest/pkg/jobregistry"
	"github.com/3leaps/goingest/pkg/transition"
)

func TestJobResult_Counters(t *testing.T) {
	res := &JobResult{JobID: "j1", Kind: jobregistry.JobKindRun, Agency: "LTA", StartedAt: testNow, FilesFound: 3}
	f := discovery.RemoteFile{Name: "a", Directory: "/nro/output"}

	res.addFile(&FileReport{File: f, State: StateDone, Cleanup: cleanup.Deleted, Transition: &transition.Result{UpdatedCount: 4}})
	res.addFile(&FileReport{File: f, State: StateAwaitingCallback, RequestID: "URA_REQ_1"})
	res.addFile(&FileReport{File: f, State: StateQuarantined, Cleanup: cleanup.Deleted})

	assert.Equal(t, jobregistry.JobStateRunning, res.JobState())
	res.finish(testNow.Add(time.Minute), "")

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.FilesProcessed)
	assert.Equal(t, 1, res.FilesPending)
	assert.Equal(t, 1, res.FilesQuarantined)
	assert.Equal(t, 2, res.FilesDeleted)
	assert.Equal(t, 4, res.NoticesUpdated)
	assert.Equal(t, "1 of 3 files processed, 1 awaiting decrypt, 1 quarantined, 2 deleted, 4 notices updated", res.Message)

	rec := res.Record(42)
	assert.Equal(t, jobregistry.JobStateSuccess, rec.State)
	assert.Equal(t, 42, rec.PID)
	require.NotNil(t, rec.EndedAt)
	require.Len(t, rec.Files, 3)
	assert.Equal(t, "/nro/output/a", rec.Files[0].Path)
	assert.Empty(t, rec.RequestID)
}

func TestJobResult_ErrorsMakePartial(t *testing.T) {
	res := &JobResult{StartedAt: testNow}
	res.addError(&JobError{File: "/output/x", CaseID: "N1", Phase: PhaseTransition, Code: transition.CodeStageMismatch, Message: "case is at RD2"})
	res.finish(testNow, "")

	assert.False(t, res.Success)
	assert.Equal(t, jobregistry.JobStatePartial, res.JobState())
	assert.Equal(t, "transition /output/x case N1: case is at RD2", res.Errors[0].Error())
}

func TestMemLocker(t *testing.T) {
	l := NewMemLocker()
	release, ok := l.TryLock("lta")
	require.True(t, ok)

	_, ok = l.TryLock("LTA")
	assert.False(t, ok)

	other, ok := l.TryLock("TOPPAN")
	require.True(t, ok)
	other()

	release()
	release()
	again, ok := l.TryLock("LTA")
	require.True(t, ok)
	again()
}

func TestMemLocker_SingleWinner(t *testing.T) {
	l := NewMemLocker()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.TryLock("LTA"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
