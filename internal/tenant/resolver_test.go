package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, apiKey string) (Identity, error) {
	args := m.Called(ctx, apiKey)
	return args.Get(0).(Identity), args.Error(1)
}

func TestStaticResolver_SameIdentityForAnyKey(t *testing.T) {
	r := NewStaticResolver("test_tenant", "test_host")

	for _, key := range []string{"testkey", "other", ""} {
		id, err := r.Resolve(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, Identity{TenantID: "test_tenant", HostID: "test_host"}, id)
	}
}

func TestCachingResolver_CachesSuccess(t *testing.T) {
	inner := new(MockResolver)
	inner.On("Resolve", mock.Anything, "testkey").
		Return(Identity{TenantID: "t1", HostID: "h1"}, nil).Once()

	r := NewCachingResolver(inner, time.Minute)

	first, err := r.Resolve(context.Background(), "testkey")
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "testkey")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	inner.AssertNumberOfCalls(t, "Resolve", 1)
}

func TestCachingResolver_DoesNotCacheFailure(t *testing.T) {
	inner := new(MockResolver)
	inner.On("Resolve", mock.Anything, "k").Return(Identity{}, ErrLookupUnavailable).Once()
	inner.On("Resolve", mock.Anything, "k").Return(Identity{TenantID: "t1", HostID: "h1"}, nil).Once()

	r := NewCachingResolver(inner, time.Minute)

	_, err := r.Resolve(context.Background(), "k")
	assert.ErrorIs(t, err, ErrLookupUnavailable)

	id, err := r.Resolve(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "t1", id.TenantID)
	inner.AssertExpectations(t)
}

func TestCachingResolver_KeysAreIndependent(t *testing.T) {
	inner := new(MockResolver)
	inner.On("Resolve", mock.Anything, "a").Return(Identity{TenantID: "ta"}, nil)
	inner.On("Resolve", mock.Anything, "b").Return(Identity{TenantID: "tb"}, nil)

	r := NewCachingResolver(inner, time.Minute)

	a, _ := r.Resolve(context.Background(), "a")
	b, _ := r.Resolve(context.Background(), "b")
	assert.Equal(t, "ta", a.TenantID)
	assert.Equal(t, "tb", b.TenantID)
}

func TestCachingResolver_KeepsErrorClass(t *testing.T) {
	inner := new(MockResolver)
	inner.On("Resolve", mock.Anything, "revoked").
		Return(Identity{}, errors.WithMessage(ErrTenantNotFound, "key revoked"))
	inner.On("Resolve", mock.Anything, "down").
		Return(Identity{}, errors.Wrap(ErrLookupUnavailable, "dial tcp 10.0.0.5:5432"))

	r := NewCachingResolver(inner, time.Minute)

	_, err := r.Resolve(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Contains(t, err.Error(), "key revoked")

	_, err = r.Resolve(context.Background(), "down")
	assert.ErrorIs(t, err, ErrLookupUnavailable)
	assert.Equal(t, ErrLookupUnavailable, errors.Cause(err))
}
