package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/OpenNSW/formflow/internal/cache"
	"github.com/OpenNSW/formflow/internal/database/dbtest"
	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/ratelimit"
)

type MockCache struct {
	mock.Mock
}

var _ cache.Cache = (*MockCache)(nil)

func (m *MockCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	args := m.Called(ctx, key, dest)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *MockCache) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

func (m *MockCache) DeleteByPattern(ctx context.Context, pattern string) error {
	args := m.Called(ctx, pattern)
	return args.Error(0)
}

type MockLimiter struct {
	mock.Mock
}

var _ ratelimit.Limiter = (*MockLimiter)(nil)

func (m *MockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

type MockFileStore struct {
	mock.Mock
}

var _ FileStore = (*MockFileStore)(nil)

func (m *MockFileStore) HasFiles(ctx context.Context, prefix string) (bool, error) {
	args := m.Called(ctx, prefix)
	return args.Bool(0), args.Error(1)
}

func (m *MockFileStore) URLsByPrefix(ctx context.Context, prefix string) ([]string, error) {
	args := m.Called(ctx, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockFileStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	args := m.Called(ctx, prefix)
	return args.Error(0)
}

const (
	namePageFields  = `{"content":[{"type":"HeadingBlock","props":{"text":"About you"}},{"type":"TextInputField","props":{"id":"name","label":"Name","required":true}}]}`
	agreePageFields = `{"content":[{"type":"CheckboxField","props":{"id":"agree","label":"Agree","required":true}}]}`
	publicURL       = "https://forms.test"
)

// seedPublishedForm stores a published form whose pages carry the given
// schema documents, in order.
func seedPublishedForm(t *testing.T, st *store.Store, creatorID string, pageFields ...string) *model.Form {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	form := &model.Form{
		CreatorID:        creatorID,
		Title:            "Signup",
		Theme:            model.ThemeDark,
		PublishedAt:      &now,
		PagesTotal:       len(pageFields),
		FinalTitle:       "Thanks!",
		FinalDescription: "See you soon.",
	}
	for i, fields := range pageFields {
		form.Pages = append(form.Pages, model.Page{
			PageNumber: i + 1,
			Title:      "Step",
			PageFields: datatypes.JSON(fields),
		})
	}
	require.NoError(t, st.CreateForm(ctx, form))

	loaded, err := st.GetForm(ctx, form.ID)
	require.NoError(t, err)
	return loaded
}

func newTestStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	return store.New(db), db
}

func countRows(t *testing.T, db *gorm.DB, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Count(&n).Error)
	return n
}

func mustParticipant(t *testing.T, st *store.Store, formID uuid.UUID, email string) *model.Participant {
	t.Helper()
	p, _, err := st.FindOrCreateParticipant(context.Background(), formID, email)
	require.NoError(t, err)
	return p
}
