package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amarillo.mfdz.de/internal/models"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewFileStore(root, slog.Default())
	require.NoError(t, err)
	return s, root
}

func testOffer(agency, id string) models.Offer {
	return models.Offer{
		ID:            id,
		Agency:        agency,
		Deeplink:      "https://mfdz.de/trip/" + id,
		DepartureTime: "07:00",
		DepartureDate: models.RecurringOn(models.Monday),
		Stops: []models.StopTime{
			{Name: "A", Lat: 48.1, Lon: 9.1},
			{Name: "B", Lat: 48.3, Lon: 9.4},
		},
	}
}

func TestNewFileStoreCreatesPartitions(t *testing.T) {
	_, root := newTestStore(t)
	for _, p := range Partitions {
		info, err := os.Stat(filepath.Join(root, string(p)))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestSaveLoadDelete(t *testing.T) {
	s, root := newTestStore(t)
	offer := testOffer("mfdz", "Eins")

	require.NoError(t, s.Save(Carpool, offer))
	assert.FileExists(t, filepath.Join(root, "carpool", "mfdz", "Eins.json"))
	assert.True(t, s.Exists(Carpool, "mfdz", "Eins"))

	loaded, err := s.Load(Carpool, "mfdz", "Eins")
	require.NoError(t, err)
	assert.Equal(t, offer.Deeplink, loaded.Deeplink)
	assert.True(t, loaded.DepartureDate.Weekdays().Has(models.Monday))

	require.NoError(t, s.Delete(Carpool, "mfdz", "Eins"))
	assert.False(t, s.Exists(Carpool, "mfdz", "Eins"))
	require.NoError(t, s.Delete(Carpool, "mfdz", "Eins"), "deleting twice is fine")

	_, err = s.Load(Carpool, "mfdz", "Eins")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestRejectsUnsafeKeys(t *testing.T) {
	s, _ := newTestStore(t)

	offer := testOffer("mfdz", "../../etc/passwd")
	assert.Error(t, s.Save(Carpool, offer))

	_, err := s.Load(Carpool, "..", "x")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestList(t *testing.T) {
	s, root := newTestStore(t)
	require.NoError(t, s.Save(Carpool, testOffer("mfdz", "b")))
	require.NoError(t, s.Save(Carpool, testOffer("mfdz", "a")))
	require.NoError(t, s.Save(Carpool, testOffer("ride2go", "1")))
	// stray files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(root, "carpool", "mfdz", "notes.txt"), nil, 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "carpool", "mfdz", "b.json"), old, old))

	entries, err := s.List(Carpool, "mfdz")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.WithinDuration(t, old, entries[1].ModTime, time.Second)

	agencies, err := s.Agencies(Carpool)
	require.NoError(t, err)
	assert.Equal(t, []string{"mfdz", "ride2go"}, agencies)

	all, err := s.ListAll(Carpool)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	missing, err := s.List(Carpool, "nobody")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMoveToTrash(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Save(Carpool, testOffer("mfdz", "Eins")))

	offer, err := s.MoveToTrash("mfdz", "Eins")
	require.NoError(t, err)
	assert.Equal(t, "Eins", offer.ID)
	assert.False(t, s.Exists(Carpool, "mfdz", "Eins"))
	assert.True(t, s.Exists(Trash, "mfdz", "Eins"))

	_, err = s.MoveToTrash("mfdz", "Eins")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveFailureKeepsReason(t *testing.T) {
	s, _ := newTestStore(t)
	offer := testOffer("mfdz", "short")

	require.NoError(t, s.SaveFailure(offer, models.ErrTooClose, time.Now()))

	reason, err := s.FailureReason("mfdz", "short")
	require.NoError(t, err)
	assert.Equal(t, models.ErrTooClose.Error(), reason)

	loaded, err := s.Load(Failed, "mfdz", "short")
	require.NoError(t, err)
	assert.Equal(t, offer.Deeplink, loaded.Deeplink)
}

func TestLockSerializesSameID(t *testing.T) {
	s, _ := newTestStore(t)

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("mfdz", "Eins")
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}
