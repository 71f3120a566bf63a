package quarantine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/intersection/internal/domain"
)

func TestStoreListsNewestFirst(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(domain.RejectedMessage{
			ID:         id,
			Topic:      "/live/-1/12109/spat",
			Body:       []byte(`{"odeReceivedAt":"soon"}`),
			Reason:     "malformed payload",
			RejectedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := s.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, []byte(`{"odeReceivedAt":"soon"}`), all[2].Body)

	two, err := s.List(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStorePersistsOnDisk(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(domain.RejectedMessage{ID: "x", Topic: "/live/-1/1/bsm", RejectedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.List(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)
}

func TestStoreImplementsQuarantine(t *testing.T) {
	var _ domain.Quarantine = (*Store)(nil)
}
