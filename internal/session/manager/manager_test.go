package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/session/models"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

func newManager() (*Manager, *repository.MemoryRepository) {
	repo := repository.NewMemory()
	return New(repo, nil, logger.Default()), repo
}

func TestGetOrCreateReturnsPlaceholder(t *testing.T) {
	m, _ := newManager()

	lookup, err := m.GetOrCreate(context.Background(), "/proj")
	require.NoError(t, err)
	require.NotNil(t, lookup.Session)
	assert.True(t, lookup.Session.IsNew)
	assert.NotEmpty(t, lookup.Session.ID)
	assert.Equal(t, models.SessionStatusActive, lookup.Session.Status)
	assert.Nil(t, lookup.LastCompleted)
}

func TestGetOrCreateReturnsActiveSession(t *testing.T) {
	m, repo := newManager()
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/proj", OriginalGoal: "build the cache"}
	require.NoError(t, repo.CreateSession(ctx, s))

	lookup, err := m.GetOrCreate(ctx, "/proj")
	require.NoError(t, err)
	assert.False(t, lookup.Session.IsNew)
	assert.Equal(t, s.ID, lookup.Session.ID)
}

func TestGetOrCreateCarriesLastCompleted(t *testing.T) {
	m, repo := newManager()
	ctx := context.Background()

	prior := &models.Session{ProjectPath: "/proj", OriginalGoal: "old goal"}
	require.NoError(t, repo.CreateSession(ctx, prior))
	require.NoError(t, repo.MarkSessionCompleted(ctx, prior.ID, "done"))

	lookup, err := m.GetOrCreate(ctx, "/proj")
	require.NoError(t, err)
	assert.True(t, lookup.Session.IsNew)
	require.NotNil(t, lookup.LastCompleted)
	assert.Equal(t, prior.ID, lookup.LastCompleted.ID)
}

func TestPersistClearsIsNew(t *testing.T) {
	m, repo := newManager()
	ctx := context.Background()

	lookup, err := m.GetOrCreate(ctx, "/proj")
	require.NoError(t, err)

	session := lookup.Session
	session.OriginalGoal = "persisted goal"
	require.NoError(t, m.Persist(ctx, session))
	assert.False(t, session.IsNew)

	stored, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted goal", stored.OriginalGoal)
}

func TestConcurrentLookupsCollapse(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			lookup, err := m.GetOrCreate(ctx, "/proj")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = lookup.Session.ID
		}(i)
	}
	wg.Wait()

	distinct := make(map[string]struct{})
	for _, id := range ids {
		distinct[id] = struct{}{}
	}
	// singleflight collapses the burst: far fewer placeholder ids than
	// callers, typically one.
	assert.LessOrEqual(t, len(distinct), 2)
}

func TestMarkCompleted(t *testing.T) {
	m, repo := newManager()
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/proj"}
	require.NoError(t, repo.CreateSession(ctx, s))
	require.NoError(t, m.MarkCompleted(ctx, s.ID, "final text"))

	stored, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, stored.Status)
	assert.Equal(t, "final text", stored.FinalResponse)
}
