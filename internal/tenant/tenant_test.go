package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/pkg/verrors"
)

func testResolver() *Resolver {
	return NewResolver([]*Tenant{
		{ID: "t1", Active: true, APIKeys: []string{"key-one"}},
		{ID: "t2", Active: true, APIKeys: []string{"key-two"}},
		{ID: "suspended", Active: false, APIKeys: []string{"key-dead"}},
	}, nil)
}

func TestFromAuthorization(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name     string
		header   string
		wantID   string
		wantCode verrors.Code
	}{
		{name: "api key", header: "ApiKey key-one", wantID: "t1"},
		{name: "bearer", header: "Bearer key-two", wantID: "t2"},
		{name: "case-insensitive scheme", header: "apikey key-one", wantID: "t1"},
		{name: "missing header", header: "", wantCode: verrors.CodeUnauthenticated},
		{name: "malformed", header: "key-one", wantCode: verrors.CodeUnauthenticated},
		{name: "unknown scheme", header: "Digest abc", wantCode: verrors.CodeUnauthenticated},
		{name: "unknown key", header: "ApiKey nope", wantCode: verrors.CodeUnauthenticated},
		{name: "suspended tenant", header: "ApiKey key-dead", wantCode: verrors.CodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.FromAuthorization(tt.header)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, verrors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestAuthorizeCrossTenantIsNotFound(t *testing.T) {
	caller := &Tenant{ID: "t1", Active: true}

	assert.NoError(t, Authorize(caller, "t1", "dataset", "ds1"))

	err := Authorize(caller, "t2", "dataset", "ds1")
	require.Error(t, err)
	// Never PermissionDenied: existence must not leak across tenants.
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))

	err = Authorize(nil, "t1", "dataset", "ds1")
	assert.Equal(t, verrors.CodeUnauthenticated, verrors.CodeOf(err))
}

func TestPermissions(t *testing.T) {
	open := &Tenant{ID: "t1"}
	assert.True(t, open.Can("write"))

	scoped := &Tenant{ID: "t2", Permissions: []string{"read"}}
	assert.True(t, scoped.Can("read"))
	assert.False(t, scoped.Can("write"))

	admin := &Tenant{ID: "t3", Permissions: []string{"*"}}
	assert.True(t, admin.Can("anything"))
}

func TestRegisterReplacesKeys(t *testing.T) {
	r := testResolver()

	r.Register(&Tenant{ID: "t1", Active: true, APIKeys: []string{"rotated"}})

	_, err := r.FromAuthorization("ApiKey key-one")
	assert.Error(t, err, "old key must stop working after rotation")

	got, err := r.FromAuthorization("ApiKey rotated")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
}
