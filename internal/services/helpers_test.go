package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/authcore/internal/config"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/internal/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testSecret   = "services-test-secret-0123456789abcdef"
	testPassword = "Passw0rd1"
)

var dbSeq atomic.Int64

// newTestDB returns a migrated in-memory database private to the test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:authcore_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingSink) Record(_ context.Context, event AuditEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type testEnv struct {
	db     *gorm.DB
	users  *GormUserStore
	tokens *RefreshTokenStore
	codec  *utils.TokenCodec
	audit  *recordingSink
	svc    *AuthService
}

type envOption func(*AuthDeps)

func withoutRefreshStore() envOption {
	return func(d *AuthDeps) { d.Tokens = nil }
}

// withFailingUsers makes lookups and inserts fail with err.
func withFailingUsers(err error) envOption {
	return func(d *AuthDeps) { d.Users = failingUserStore{UserStore: d.Users, err: err} }
}

type failingUserStore struct {
	UserStore
	err error
}

func (f failingUserStore) FindByEmail(context.Context, string) (*models.User, error) {
	return nil, f.err
}

func (f failingUserStore) Create(context.Context, *models.User) error {
	return f.err
}

func withReuseDetection(enabled bool) envOption {
	return func(d *AuthDeps) { d.ReuseDetection = enabled }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db := newTestDB(t)
	env := &testEnv{
		db:     db,
		users:  NewGormUserStore(db),
		tokens: NewRefreshTokenStore(db),
		codec:  utils.NewTokenCodec(testSecret),
		audit:  &recordingSink{},
	}

	deps := AuthDeps{
		Users:  env.users,
		Tokens: env.tokens,
		Codec:  env.codec,
		Audit:  env.audit,
		JWT: config.JWTConfig{
			Secret:               testSecret,
			AccessExpiresIn:      "15m",
			RefreshExpiresInDays: 30,
		},
		ReuseDetection: true,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.svc = NewAuthService(deps)
	return env
}

func (e *testEnv) register(t *testing.T, email string) *AuthResult {
	t.Helper()
	result, err := e.svc.Register(context.Background(), &RegisterRequest{
		Email:       email,
		Password:    testPassword,
		DisplayName: "Test",
	}, RequestMeta{IP: "10.0.0.1", UserAgent: "go-test"})
	require.NoError(t, err)
	return result
}

func (e *testEnv) deactivate(t *testing.T, userID uint) {
	t.Helper()
	require.NoError(t, e.db.Model(&models.User{}).Where("id = ?", userID).Update("is_active", false).Error)
}
