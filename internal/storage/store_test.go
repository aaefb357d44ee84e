package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphael-dev/raphael/internal/model"
	"github.com/raphael-dev/raphael/internal/storage"
	"github.com/raphael-dev/raphael/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

// ---- open and schema -----------------------------------------------------

func TestOpen_DefaultDropExists(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	d, err := store.GetDropByName(ctx, model.DefaultDropName)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultDropName, d.Name)

	n, err := store.CountDrops(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// ---- drops ---------------------------------------------------------------

func TestCreateDrop_NameConflictCaseInsensitive(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	_, err := store.CreateDrop(ctx, "Staging", nil)
	require.NoError(t, err)

	_, err = store.CreateDrop(ctx, "staging", nil)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	// Lookup is case-insensitive too.
	d, err := store.GetDropByName(ctx, "STAGING")
	require.NoError(t, err)
	assert.Equal(t, "Staging", d.Name)
}

func TestCreateDrop_SeedsRetentionDefaults(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	d, err := store.CreateDrop(ctx, "fresh", nil)
	require.NoError(t, err)

	ret, err := store.GetRetention(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, ret.TracesRetentionMs)
	assert.Equal(t, int64(model.DefaultTracesRetentionMs), *ret.TracesRetentionMs)
	require.NotNil(t, ret.EventsRetentionMs)
	assert.Equal(t, int64(model.DefaultEventsRetentionMs), *ret.EventsRetentionMs)
}

func TestSetDropLabel(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	d, err := store.CreateDrop(ctx, "labeled", nil)
	require.NoError(t, err)

	require.NoError(t, store.SetDropLabel(ctx, d.ID, ptr("My Workspace")))
	got, err := store.GetDropByID(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Label)
	assert.Equal(t, "My Workspace", *got.Label)

	require.NoError(t, store.SetDropLabel(ctx, d.ID, nil))
	got, err = store.GetDropByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Label)

	assert.True(t, errors.Is(store.SetDropLabel(ctx, 9999, nil), storage.ErrNotFound))
}

func TestDeleteDropCascade_KeepsUsageRows(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	d, err := store.CreateDrop(ctx, "doomed", nil)
	require.NoError(t, err)

	sa, err := store.CreateServiceAccount(ctx, "ci", "owner-1")
	require.NoError(t, err)
	key, err := store.CreateAPIKey(ctx, model.APIKey{
		ServiceAccountID: sa.ID, KeyPrefix: "rph_abcd", KeyHash: "hash-1",
		CreatedByUserID: "owner-1",
	}, []model.APIKeyPermission{{DropID: d.ID, CanIngest: true}})
	require.NoError(t, err)

	require.NoError(t, store.InsertAPIKeyUsage(ctx, model.APIKeyUsage{
		APIKeyID: key.ID, Method: "POST", Path: "/v1/traces", Status: 200, DropID: &d.ID,
	}))

	require.NoError(t, store.DeleteDropCascade(ctx, d.ID))

	_, err = store.GetDropByID(ctx, d.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	perms, err := store.ListAPIKeyPermissions(ctx, key.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	usage, err := store.ListAPIKeyUsage(ctx, "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1, "usage rows outlive the drop")
	assert.Nil(t, usage[0].DropID, "drop reference cleared, not deleted")
}

// ---- retention pruning ---------------------------------------------------

func TestDeleteOlderThan_Batching(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	var spans []model.TraceSpan
	for i := 0; i < 12; i++ {
		spans = append(spans, model.TraceSpan{
			DropID: 1, TraceID: fmt.Sprintf("t-%d", i), SpanID: fmt.Sprintf("s-%d", i),
			ServiceName: "svc", OperationName: "op", StartTime: 100,
			Status: model.StatusOK, Attributes: `{}`, CreatedAt: 100,
		})
	}
	require.NoError(t, store.InsertSpans(ctx, spans))

	n, err := store.DeleteOlderThan(ctx, 1, storage.TableSpans, 200, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n, "bounded by the batch limit")

	n, err = store.DeleteOlderThan(ctx, 1, storage.TableSpans, 200, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestDeleteOlderThan_RespectsCutoffAndDrop(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	other, err := store.CreateDrop(ctx, "other", nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertSpans(ctx, []model.TraceSpan{
		{DropID: 1, TraceID: "t1", SpanID: "s1", ServiceName: "svc", OperationName: "op",
			StartTime: 100, Status: model.StatusOK, Attributes: `{}`, CreatedAt: 100},
		{DropID: 1, TraceID: "t2", SpanID: "s2", ServiceName: "svc", OperationName: "op",
			StartTime: 300, Status: model.StatusOK, Attributes: `{}`, CreatedAt: 300},
		{DropID: other.ID, TraceID: "t3", SpanID: "s3", ServiceName: "svc", OperationName: "op",
			StartTime: 100, Status: model.StatusOK, Attributes: `{}`, CreatedAt: 100},
	}))

	n, err := store.DeleteOlderThan(ctx, 1, storage.TableSpans, 200, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	spans, _, _, err := store.SpanStats(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), spans, "other drops untouched")
}

func TestDeleteOlderThan_UnknownTable(t *testing.T) {
	store := testutil.MustOpenStore(t)
	_, err := store.DeleteOlderThan(context.Background(), 1, "user_profiles", 0, 10)
	assert.Error(t, err)
}

// ---- json path -----------------------------------------------------------

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `$."service.name"`, storage.JSONPath("service.name"))
	assert.Equal(t, `$."a\"b"`, storage.JSONPath(`a"b`))
	assert.Equal(t, `$."a\\b"`, storage.JSONPath(`a\b`))
}

// ---- dashboards ----------------------------------------------------------

func TestDashboards_CRUD(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	d, err := store.CreateDashboard(ctx, 1, "latency", `{"panels":[]}`)
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)

	got, err := store.GetDashboard(ctx, 1, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "latency", got.Name)

	updated, err := store.UpdateDashboard(ctx, 1, d.ID, "latency v2", `{"panels":[{}]}`)
	require.NoError(t, err)
	assert.Equal(t, "latency v2", updated.Name)

	list, err := store.ListDashboards(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Dashboards are drop-scoped; another drop cannot see or touch them.
	other, err := store.CreateDrop(ctx, "other", nil)
	require.NoError(t, err)
	_, err = store.GetDashboard(ctx, other.ID, d.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.True(t, errors.Is(store.DeleteDashboard(ctx, other.ID, d.ID), storage.ErrNotFound))

	require.NoError(t, store.DeleteDashboard(ctx, 1, d.ID))
	_, err = store.GetDashboard(ctx, 1, d.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

// ---- profiles ------------------------------------------------------------

func TestUpsertProfile_FirstUserIsAdmin(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	first, err := store.UpsertProfile(ctx, "u-1", "First@Example.com", false)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, first.Role)
	assert.Equal(t, "first@example.com", first.Email)

	second, err := store.UpsertProfile(ctx, "u-2", "second@example.com", false)
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, second.Role)
}

func TestUpsertProfile_ForceAdminReenables(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	_, err := store.UpsertProfile(ctx, "u-1", "first@example.com", false)
	require.NoError(t, err)
	_, err = store.UpsertProfile(ctx, "u-2", "boss@example.com", false)
	require.NoError(t, err)

	disabled := true
	demote := model.RoleMember
	_, err = store.UpdateProfileAdmin(ctx, "u-2", &demote, &disabled)
	require.NoError(t, err)

	p, err := store.UpsertProfile(ctx, "u-2", "boss@example.com", true)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, p.Role)
	assert.False(t, p.Disabled)
}

// ---- api keys ------------------------------------------------------------

func TestAPIKeys_Lifecycle(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	sa, err := store.CreateServiceAccount(ctx, "ci", "owner-1")
	require.NoError(t, err)

	// Duplicate name for the same owner conflicts; other owners are fine.
	_, err = store.CreateServiceAccount(ctx, "ci", "owner-1")
	assert.True(t, errors.Is(err, storage.ErrConflict))
	_, err = store.CreateServiceAccount(ctx, "ci", "owner-2")
	require.NoError(t, err)

	key, err := store.CreateAPIKey(ctx, model.APIKey{
		ServiceAccountID: sa.ID, KeyPrefix: "rph_abcd", KeyHash: "hash-a",
		CreatedByUserID: "owner-1",
	}, []model.APIKeyPermission{
		{DropID: 1, CanIngest: true, CanQuery: true},
		{DropID: 1, CanIngest: false, CanQuery: false}, // skipped
	})
	require.NoError(t, err)

	byHash, err := store.GetAPIKeyByHash(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, key.ID, byHash.ID)

	perms, err := store.ListAPIKeyPermissions(ctx, key.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.True(t, perms[0].CanIngest)

	require.NoError(t, store.RevokeAPIKey(ctx, key.ID))
	_, err = store.GetAPIKeyByHash(ctx, "hash-a")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "revoked keys never resolve by hash")
	assert.True(t, errors.Is(store.RevokeAPIKey(ctx, key.ID), storage.ErrNotFound), "double revoke")

	listed, err := store.ListAPIKeys(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].Revoked())
}

func TestDeleteServiceAccount_RevokesKeys(t *testing.T) {
	store := testutil.MustOpenStore(t)
	ctx := context.Background()

	sa, err := store.CreateServiceAccount(ctx, "ci", "owner-1")
	require.NoError(t, err)
	_, err = store.CreateAPIKey(ctx, model.APIKey{
		ServiceAccountID: sa.ID, KeyPrefix: "rph_abcd", KeyHash: "hash-b",
		CreatedByUserID: "owner-1",
	}, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteServiceAccount(ctx, sa.ID))
	_, err = store.GetAPIKeyByHash(ctx, "hash-b")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
