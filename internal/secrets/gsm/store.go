// Package gsm stores connection credentials in Google Secret Manager.
package gsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/quantumlife/labcal/internal/core"
)

// Client is the subset of the Secret Manager client used by Store.
type Client interface {
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	GetSecretVersion(ctx context.Context, req *secretmanagerpb.GetSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest, opts ...gax.CallOption) error
}

// Store implements secrets.Store. Each connection maps to one secret named
// <prefix>-<connection id>; every put adds a secret version.
type Store struct {
	client  Client
	project string
	prefix  string
	closer  func() error
}

// New dials Secret Manager with application default credentials.
func New(ctx context.Context, project, prefix string, opts ...option.ClientOption) (*Store, error) {
	if project == "" {
		return nil, fmt.Errorf("gcp project: %w", core.ErrMissingRequired)
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	s := NewWithClient(client, project, prefix)
	s.closer = client.Close
	return s, nil
}

// NewWithClient builds a Store over an existing client.
func NewWithClient(client Client, project, prefix string) *Store {
	if prefix == "" {
		prefix = "labcal-oauth"
	}
	return &Store{client: client, project: project, prefix: prefix}
}

// Close releases the client if Store created it.
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func (s *Store) secretID(connectionID string) string {
	// Secret ids allow [A-Za-z0-9_-].
	return s.prefix + "-" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, connectionID)
}

func (s *Store) secretName(connectionID string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", s.project, s.secretID(connectionID))
}

func (s *Store) Put(ctx context.Context, connectionID string, rec *core.TokenRecord) error {
	if connectionID == "" || rec == nil {
		return fmt.Errorf("connection id and record: %w", core.ErrMissingRequired)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	created := true
	_, err = s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + s.project,
		SecretId: s.secretID(connectionID),
		Secret: &secretmanagerpb.Secret{
			Labels: map[string]string{"app": "labcal", "kind": "oauth"},
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("create secret %s: %w", connectionID, classify(err))
		}
		created = false
	}

	_, err = s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  s.secretName(connectionID),
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	})
	if err != nil {
		// A secret without versions must not outlive a failed put.
		if created {
			_ = s.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: s.secretName(connectionID)})
		}
		return fmt.Errorf("add secret version %s: %w", connectionID, classify(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, connectionID string) (*core.TokenRecord, error) {
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.secretName(connectionID) + "/versions/latest",
	})
	if err != nil {
		return nil, fmt.Errorf("access secret %s: %w", connectionID, classify(err))
	}

	var rec core.TokenRecord
	if err := json.Unmarshal(resp.GetPayload().GetData(), &rec); err != nil {
		return nil, fmt.Errorf("secret %s: %w: %v", connectionID, core.ErrDecryptionFailed, err)
	}
	return &rec, nil
}

// Exists reports whether the latest version is readable. Only version
// metadata is fetched, never the payload.
func (s *Store) Exists(ctx context.Context, connectionID string) (bool, error) {
	v, err := s.client.GetSecretVersion(ctx, &secretmanagerpb.GetSecretVersionRequest{
		Name: s.secretName(connectionID) + "/versions/latest",
	})
	if err == nil {
		return v.GetState() == secretmanagerpb.SecretVersion_ENABLED, nil
	}
	err = classify(err)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("get secret %s: %w", connectionID, err)
}

func (s *Store) Delete(ctx context.Context, connectionID string) error {
	err := s.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: s.secretName(connectionID)})
	if err == nil {
		return nil
	}
	err = classify(err)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete secret %s: %w", connectionID, err)
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return err
}
