// Package storetest holds the conformance tests every history store
// must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/taskmanager"
)

// Run runs the conformance tests against st. Records are created with
// unique bundle names, so st may be shared with earlier runs.
func Run(t *testing.T, st taskmanager.Store) {
	t.Run("CreateLookup", func(t *testing.T) { testCreateLookup(t, st) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, st) })
	t.Run("Start", func(t *testing.T) { testStart(t, st) })
	t.Run("List", func(t *testing.T) { testList(t, st) })
	t.Run("Manager", func(t *testing.T) { testManager(t, st) })
}

func newRecord(bundle string, tid uint32, created int64) *taskmanager.TaskInfo {
	return &taskmanager.TaskInfo{
		ID:       uuid.New().String(),
		TaskID:   tid,
		UID:      1000,
		Bundle:   bundle,
		Action:   taskmanager.Download,
		Version:  taskmanager.V10,
		Mode:     taskmanager.Background,
		URL:      "https://example.com/file.bin",
		Title:    "file.bin",
		State:    taskmanager.Initialized,
		Progress: taskmanager.Progress{Sizes: []int64{4096}},
		Extras:   map[string]string{"k": "v"},
		Created:  created,
		Updated:  created,
	}
}

func uniqueBundle() string {
	return "com.example." + uuid.New().String()
}

func testCreateLookup(t *testing.T, st taskmanager.Store) {
	_, err := st.Lookup(uuid.New().String())
	require.ErrorIs(t, err, taskmanager.ErrNotFound)

	rec := newRecord(uniqueBundle(), 1, time.Now().UnixNano())
	require.NoError(t, st.Create(rec))

	have, err := st.Lookup(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, have)
}

func testUpdate(t *testing.T, st taskmanager.Store) {
	rec := newRecord(uniqueBundle(), 2, time.Now().UnixNano())
	require.ErrorIs(t, st.Update(rec), taskmanager.ErrNotFound)

	require.NoError(t, st.Create(rec))
	rec.State = taskmanager.Completed
	rec.MimeType = "application/octet-stream"
	rec.Progress.Processed = 4096
	rec.Retry = true
	rec.Tries = 2
	rec.Updated++
	require.NoError(t, st.Update(rec))

	have, err := st.Lookup(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, have)

	// Updating with identical values is not an error.
	require.NoError(t, st.Update(rec))

	// Creating an existing record replaces it.
	rec.State = taskmanager.Removed
	require.NoError(t, st.Create(rec))
	have, err = st.Lookup(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, taskmanager.Removed, have.State)
}

func testStart(t *testing.T, st taskmanager.Store) {
	bundle := uniqueBundle()
	now := time.Now().UnixNano()
	running := newRecord(bundle, 1, now)
	running.State = taskmanager.Running
	retrying := newRecord(bundle, 2, now)
	retrying.State = taskmanager.Retrying
	paused := newRecord(bundle, 3, now)
	paused.State = taskmanager.Paused
	for _, rec := range []*taskmanager.TaskInfo{running, retrying, paused} {
		require.NoError(t, st.Create(rec))
	}

	require.NoError(t, st.Start())

	for rec, want := range map[*taskmanager.TaskInfo]taskmanager.State{
		running:  taskmanager.Failed,
		retrying: taskmanager.Failed,
		paused:   taskmanager.Paused,
	} {
		have, err := st.Lookup(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, want, have.State, "task %d", rec.TaskID)
	}
}

func testList(t *testing.T, st taskmanager.Store) {
	bundle := uniqueBundle()
	base := time.Now().UnixNano()
	var recs []*taskmanager.TaskInfo
	for i := 0; i < 5; i++ {
		rec := newRecord(bundle, uint32(i+1), base+int64(i))
		if i%2 == 1 {
			rec.Action = taskmanager.Upload
			rec.State = taskmanager.Failed
		}
		require.NoError(t, st.Create(rec))
		recs = append(recs, rec)
	}

	ids := func(rsp *taskmanager.ListResponse) []string {
		var out []string
		for _, task := range rsp.Tasks {
			out = append(out, task.ID)
		}
		return out
	}

	rsp, err := st.List(&taskmanager.ListRequest{Bundle: bundle})
	require.NoError(t, err)
	assert.Equal(t, 5, rsp.Total)
	assert.Equal(t, []string{recs[4].ID, recs[3].ID, recs[2].ID, recs[1].ID, recs[0].ID}, ids(rsp))

	upload := taskmanager.Upload
	rsp, err = st.List(&taskmanager.ListRequest{Bundle: bundle, Action: &upload})
	require.NoError(t, err)
	assert.Equal(t, []string{recs[3].ID, recs[1].ID}, ids(rsp))

	failed := taskmanager.Failed
	rsp, err = st.List(&taskmanager.ListRequest{Bundle: bundle, State: &failed})
	require.NoError(t, err)
	assert.Equal(t, 2, rsp.Total)

	tid := uint32(3)
	rsp, err = st.List(&taskmanager.ListRequest{Bundle: bundle, TaskID: &tid})
	require.NoError(t, err)
	assert.Equal(t, []string{recs[2].ID}, ids(rsp))

	rsp, err = st.List(&taskmanager.ListRequest{Bundle: bundle, After: base + 1, Before: base + 3})
	require.NoError(t, err)
	assert.Equal(t, []string{recs[2].ID, recs[1].ID}, ids(rsp))

	rsp, err = st.List(&taskmanager.ListRequest{Bundle: bundle, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, rsp.Total)
	assert.Equal(t, []string{recs[3].ID, recs[2].ID}, ids(rsp))

	rsp, err = st.List(&taskmanager.ListRequest{Bundle: bundle, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{recs[0].ID}, ids(rsp))
}

// testManager runs a task end to end with st as the history store.
func testManager(t *testing.T, st taskmanager.Store) {
	done := make(chan struct{}, 1)
	runner := taskmanager.RunnerFunc(func(ctx context.Context, job *taskmanager.Job) error {
		job.SetMimeType("text/plain")
		done <- struct{}{}
		return nil
	})
	m := taskmanager.New(
		taskmanager.SetStore(st),
		taskmanager.SetRunner(runner),
		taskmanager.SetLogger(taskmanager.NewDiscardLogger()),
	)
	require.NoError(t, m.Start())
	defer m.Close()

	bundle := uniqueBundle()
	uid := uint64(time.Now().UnixNano() & 0x7fffffff)
	id, err := m.Construct(taskmanager.Config{
		Action:  taskmanager.Download,
		Version: taskmanager.V10,
		Bundle:  bundle,
		URL:     "https://example.com/file.txt",
	}, uid, nil)
	require.NoError(t, err)
	require.NoError(t, m.StartTask(uid, id))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Runner timed out")
	}

	require.Eventually(t, func() bool {
		info, err := m.History(uid, id)
		return err == nil && info.State == taskmanager.Completed
	}, 5*time.Second, 10*time.Millisecond)

	info, err := m.History(uid, id)
	require.NoError(t, err)
	assert.Equal(t, bundle, info.Bundle)
	assert.Equal(t, "text/plain", info.MimeType)
}
