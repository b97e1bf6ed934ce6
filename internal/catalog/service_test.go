package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestStore(t), newTestLogger(), nil)
}

func overlayJob(id string, size int) types.JobDefinition {
	return types.JobDefinition{
		ID:      id,
		Name:    "job " + id,
		Enabled: true,
		Config: types.JobConfig{
			Overlays: []types.Overlay{{Size: types.Ptr(size), Animation: types.Ptr("fade_in")}},
		},
	}
}

func TestCreateAssignsIDAndDerivesLegacy(t *testing.T) {
	svc := newTestService(t)

	def := overlayJob("", 58)
	created, err := svc.Create(def)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, 58, created.Config.OverlaySize)
	assert.Equal(t, "fade_in", created.Config.OverlayAnimation)

	got, err := svc.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateDefaultsNameToID(t *testing.T) {
	svc := newTestService(t)

	def := overlayJob("j1", 58)
	def.Name = "  "
	created, err := svc.Create(def)
	require.NoError(t, err)
	assert.Equal(t, "j1", created.Name)

	got, err := svc.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.Name)
}

func TestCreateDuplicateIDIsConflict(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(overlayJob("j1", 58))
	require.NoError(t, err)

	before, err := os.ReadFile(svc.store.Path())
	require.NoError(t, err)

	_, err = svc.Create(overlayJob("j1", 12))
	assert.ErrorIs(t, err, ErrConflict)

	after, err := os.ReadFile(svc.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCreateInvalidIsRejected(t *testing.T) {
	svc := newTestService(t)

	def := overlayJob("j1", 58)
	def.Config.Overlays[0].Animation = nil

	_, err := svc.Create(def)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Empty(t, svc.List())
}

func TestUpdateWithNullSizeLeavesRecordUntouched(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(overlayJob("j1", 58))
	require.NoError(t, err)

	before, err := os.ReadFile(svc.store.Path())
	require.NoError(t, err)

	var patch types.JobPatch
	require.NoError(t, json.Unmarshal(
		[]byte(`{"config":{"overlays":[{"size":null,"animation":"fade_in"}]}}`), &patch))

	_, err = svc.Update("j1", patch)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "config.overlays.size", verr.Field)

	after, err := os.ReadFile(svc.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := svc.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, 58, *got.Config.Overlays[0].Size)
}

func TestUpdateMergesFieldsAndRederives(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(overlayJob("j1", 58))
	require.NoError(t, err)

	updated, err := svc.Update("j1", types.JobPatch{
		Name: types.Ptr("renamed"),
		Config: &types.JobConfig{
			Overlays: []types.Overlay{{Size: types.Ptr(72), Animation: types.Ptr("pop")}},
			// Stale flat values from an old client lose to the tree.
			OverlaySize: 1,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.Enabled)
	assert.Equal(t, 72, updated.Config.OverlaySize)
	assert.Equal(t, "pop", updated.Config.OverlayAnimation)
}

func TestUpdateAndDeleteNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Update("missing", types.JobPatch{Name: types.Ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, svc.Delete("missing"), ErrNotFound)

	_, err = svc.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(overlayJob("j1", 58))
	require.NoError(t, err)
	_, err = svc.Create(overlayJob("j2", 58))
	require.NoError(t, err)

	require.NoError(t, svc.Delete("j1"))

	jobs := svc.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "j2", jobs[0].ID)
}

func TestDuplicateStripsRuntimeFields(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create(overlayJob("j1", 58))
	require.NoError(t, err)
	require.NoError(t, svc.RecordRun(types.Run{JobID: "j1", Status: types.RunStatusFailed, Error: "boom"}))

	src, err := svc.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.RunCount)

	dup, err := svc.Duplicate("j1", "")
	require.NoError(t, err)

	assert.NotEqual(t, "j1", dup.ID)
	assert.Equal(t, "job j1 (copy)", dup.Name)
	assert.Zero(t, dup.RunCount)
	assert.Nil(t, dup.LastRun)
	assert.Empty(t, dup.LastError)
	assert.Equal(t, 58, *dup.Config.Overlays[0].Size)

	named, err := svc.Duplicate("j1", "custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", named.Name)

	assert.Len(t, svc.List(), 3)
}

func TestDuplicateRejectsCorruptedSource(t *testing.T) {
	svc := newTestService(t)

	corrupted := overlayJob("bad", 58)
	corrupted.Config.Overlays[0].Size = nil
	require.NoError(t, svc.store.Save([]types.JobDefinition{corrupted}))

	_, err := svc.Duplicate("bad", "")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Len(t, svc.List(), 1)

	_, err = svc.Duplicate("missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWritesRefuseCorruptedCatalog(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, os.WriteFile(svc.store.Path(), []byte("[{"), 0o644))

	_, err := svc.Create(overlayJob("j1", 58))
	assert.ErrorIs(t, err, ErrStorage)

	data, err := os.ReadFile(svc.store.Path())
	require.NoError(t, err)
	assert.Equal(t, "[{", string(data))
}

func TestConcurrentWritesStayConsistent(t *testing.T) {
	svc := newTestService(t)

	const writers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created = map[string]bool{}
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", n)
			if _, err := svc.Create(overlayJob(id, 10+n)); err == nil {
				mu.Lock()
				created[id] = true
				mu.Unlock()
			}
			if n%3 == 0 {
				if err := svc.Delete(id); err == nil {
					mu.Lock()
					delete(created, id)
					mu.Unlock()
				}
			}
			if n%3 == 1 {
				_, _ = svc.Update(id, types.JobPatch{Enabled: types.Ptr(false)})
			}
		}(i)
	}
	wg.Wait()

	jobs, err := svc.store.LoadStrict()
	require.NoError(t, err)
	require.NoError(t, ValidateCatalog(jobs))

	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
	}
	assert.Equal(t, created, ids)
}

func TestOnChangeFiresAfterCommit(t *testing.T) {
	svc := newTestService(t)

	var calls int
	svc.OnChange(func() { calls++ })

	_, err := svc.Create(overlayJob("j1", 58))
	require.NoError(t, err)
	_, err = svc.Create(overlayJob("j1", 58))
	require.Error(t, err)

	assert.Equal(t, 1, calls)
}

func TestRecordRunIgnoresDeletedJob(t *testing.T) {
	svc := newTestService(t)
	assert.NoError(t, svc.RecordRun(types.Run{JobID: "gone", Status: types.RunStatusCompleted}))
}
