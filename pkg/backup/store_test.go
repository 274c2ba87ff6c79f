package backup_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/virtcase/pkg/backup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStores(t *testing.T) {
	newFileStore := func(t *testing.T) backup.Store {
		s, err := backup.NewFileStore(filepath.Join(t.TempDir(), "state"))
		require.NoError(t, err)
		return s
	}
	newMemoryStore := func(*testing.T) backup.Store { return backup.NewMemoryStore() }

	for name, newStore := range map[string]func(*testing.T) backup.Store{
		"file":   newFileStore,
		"memory": newMemoryStore,
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			now := time.Now().UTC()

			require.NoError(t, s.Save(backup.Record{ID: "b", VMName: "vm1", CreatedAt: now.Add(time.Second)}, "<b/>"))
			require.NoError(t, s.Save(backup.Record{ID: "a", VMName: "vm1", CreatedAt: now}, "<a/>"))

			rec, doc, err := s.Load("b")
			require.NoError(t, err)
			assert.Equal(t, "vm1", rec.VMName)
			assert.Equal(t, "<b/>", doc)

			recs, err := s.List()
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "a", recs[0].ID)
			assert.Equal(t, "b", recs[1].ID)

			require.NoError(t, s.Delete("a"))
			assert.ErrorIs(t, s.Delete("a"), backup.ErrRecordNotFound)
			_, _, err = s.Load("a")
			assert.ErrorIs(t, err, backup.ErrRecordNotFound)

			assert.Error(t, s.Save(backup.Record{}, "<x/>"))
		})
	}
}

func TestFileStore_SkipsCorruptRecords(t *testing.T) {
	s, err := backup.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(backup.Record{ID: "good", VMName: "vm1"}, "<domain/>"))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "bad.json"), []byte("{"), 0o600))

	recs, err := s.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].ID)

	_, _, err = s.Load("bad")
	assert.ErrorIs(t, err, backup.ErrStoreCorrupted)
}
