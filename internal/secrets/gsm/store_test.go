package gsm

import (
	"context"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quantumlife/labcal/internal/core"
)

// fakeClient is an in-memory Secret Manager keyed by secret name.
type fakeClient struct {
	mu       sync.Mutex
	versions map[string][][]byte
	failWith error
	addFail  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{versions: make(map[string][][]byte)}
}

func (f *fakeClient) CreateSecret(_ context.Context, req *secretmanagerpb.CreateSecretRequest, _ ...gax.CallOption) (*secretmanagerpb.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	name := req.GetParent() + "/secrets/" + req.GetSecretId()
	if _, ok := f.versions[name]; ok {
		return nil, status.Error(codes.AlreadyExists, "exists")
	}
	f.versions[name] = nil
	return &secretmanagerpb.Secret{Name: name}, nil
}

func (f *fakeClient) AddSecretVersion(_ context.Context, req *secretmanagerpb.AddSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addFail != nil {
		return nil, f.addFail
	}
	vs, ok := f.versions[req.GetParent()]
	if !ok {
		return nil, status.Error(codes.NotFound, "no secret")
	}
	f.versions[req.GetParent()] = append(vs, req.GetPayload().GetData())
	return &secretmanagerpb.SecretVersion{}, nil
}

func (f *fakeClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	name := strings.TrimSuffix(req.GetName(), "/versions/latest")
	vs := f.versions[name]
	if len(vs) == 0 {
		return nil, status.Error(codes.NotFound, "no version")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: vs[len(vs)-1]},
	}, nil
}

func (f *fakeClient) GetSecretVersion(_ context.Context, req *secretmanagerpb.GetSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.SecretVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimSuffix(req.GetName(), "/versions/latest")
	if len(f.versions[name]) == 0 {
		return nil, status.Error(codes.NotFound, "no version")
	}
	return &secretmanagerpb.SecretVersion{Name: req.GetName(), State: secretmanagerpb.SecretVersion_ENABLED}, nil
}

func (f *fakeClient) DeleteSecret(_ context.Context, req *secretmanagerpb.DeleteSecretRequest, _ ...gax.CallOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.versions[req.GetName()]; !ok {
		return status.Error(codes.NotFound, "no secret")
	}
	delete(f.versions, req.GetName())
	return nil
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := NewWithClient(client, "proj", "")

	_, err := s.Get(ctx, "conn-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	rec := &core.TokenRecord{AccessToken: "a1", RefreshToken: "r1", Provider: core.ProviderGoogle, UserID: "u1"}
	require.NoError(t, s.Put(ctx, "conn-1", rec))
	rec.AccessToken = "a2"
	require.NoError(t, s.Put(ctx, "conn-1", rec))

	got, err := s.Get(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AccessToken)
	assert.Len(t, client.versions["projects/proj/secrets/labcal-oauth-conn-1"], 2)

	ok, err := s.Exists(ctx, "conn-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "conn-1"))
	require.NoError(t, s.Delete(ctx, "conn-1"))

	ok, err = s.Exists(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_UnavailableIsRetryable(t *testing.T) {
	client := newFakeClient()
	client.failWith = status.Error(codes.Unavailable, "backend down")
	s := NewWithClient(client, "proj", "p")

	_, err := s.Get(context.Background(), "conn-1")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, core.ErrNotFound)

	err = s.Put(context.Background(), "conn-1", &core.TokenRecord{RefreshToken: "r"})
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)
}

func TestStore_SecretIDSanitized(t *testing.T) {
	s := NewWithClient(newFakeClient(), "proj", "lab")
	assert.Equal(t, "lab-conn_1_x", s.secretID("conn:1/x"))
}

func TestStore_FailedFirstPutLeavesNothing(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.addFail = status.Error(codes.Unavailable, "backend down")
	s := NewWithClient(client, "proj", "")

	err := s.Put(ctx, "conn-1", &core.TokenRecord{RefreshToken: "r1"})
	require.ErrorIs(t, err, core.ErrStoreUnavailable)

	ok, err := s.Exists(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotContains(t, client.versions, "projects/proj/secrets/labcal-oauth-conn-1")
}

func TestStore_FailedRotationKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := NewWithClient(client, "proj", "")
	require.NoError(t, s.Put(ctx, "conn-1", &core.TokenRecord{AccessToken: "a1", RefreshToken: "r1"}))

	client.addFail = status.Error(codes.Unavailable, "backend down")
	require.Error(t, s.Put(ctx, "conn-1", &core.TokenRecord{AccessToken: "a2", RefreshToken: "r1"}))
	client.addFail = nil

	got, err := s.Get(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AccessToken)
}

func TestStore_ExistsNeedsAVersion(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.versions["projects/proj/secrets/labcal-oauth-conn-1"] = nil
	s := NewWithClient(client, "proj", "")

	ok, err := s.Exists(ctx, "conn-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
