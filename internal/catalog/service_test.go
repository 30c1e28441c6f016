package catalog

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kilnbook/kilnbook-backend/internal/identity"
	"github.com/kilnbook/kilnbook-backend/internal/identity/identitytest"
	"github.com/kilnbook/kilnbook-backend/internal/items"
	"github.com/kilnbook/kilnbook-backend/internal/orphans"
	"github.com/kilnbook/kilnbook-backend/internal/photos"
	"github.com/kilnbook/kilnbook-backend/pkg/config"
	"github.com/kilnbook/kilnbook-backend/pkg/db/dbtest"
	"github.com/kilnbook/kilnbook-backend/pkg/db/models"
	"github.com/kilnbook/kilnbook-backend/pkg/enums"
	pkgerrors "github.com/kilnbook/kilnbook-backend/pkg/errors"
	"github.com/kilnbook/kilnbook-backend/pkg/pagination"
	"github.com/kilnbook/kilnbook-backend/pkg/storage/memory"
	"github.com/kilnbook/kilnbook-backend/pkg/types"
)

type fixture struct {
	svc     Service
	store   *memory.Store
	subject identity.Subject
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.NewSQLite(t)
	f := &fixture{
		subject: identitytest.Subject(t, "potter-1"),
		now:     time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	}
	f.store = memory.New("blob-secret", memory.WithClock(func() time.Time { return f.now }))

	itemsRepo := items.NewRepository(client.DB())
	photoSvc, err := photos.NewService(client, itemsRepo, photos.NewRepository(client.DB()), f.store,
		orphans.NewRepository(client.DB()), config.PhotosConfig{
			MaxUploadMB:         2,
			AllowedContentTypes: []string{"image/png", "image/jpeg"},
			SignedURLTTL:        10 * time.Minute,
		}, nil, photos.WithClock(clock))
	require.NoError(t, err)
	itemSvc, err := items.NewService(client, itemsRepo, photoSvc, nil, items.WithClock(clock))
	require.NoError(t, err)
	f.svc, err = NewService(itemSvc, photoSvc, 5*time.Minute, nil)
	require.NoError(t, err)
	return f
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 3, 3))))
	return buf.Bytes()
}

func (f *fixture) upload(t *testing.T, itemID uuid.UUID) *PhotoView {
	t.Helper()
	view, err := f.svc.UploadPhoto(context.Background(), f.subject, itemID, photos.UploadInput{ContentType: "image/png", Data: pngBytes(t)})
	require.NoError(t, err)
	return view
}

func (f *fixture) get(t *testing.T, itemID uuid.UUID) *ItemView {
	t.Helper()
	view, err := f.svc.GetItem(context.Background(), f.subject, itemID)
	require.NoError(t, err)
	return view
}

func photoByID(view *ItemView, id uuid.UUID) PhotoView {
	for _, p := range view.Photos {
		if p.ID == id {
			return p
		}
	}
	return PhotoView{}
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, pkgerrors.IsCode(err, code), "expected %s, got %v", code, err)
}

func TestCreateItemDefaults(t *testing.T) {
	f := newFixture(t)
	view, err := f.svc.CreateItem(context.Background(), f.subject, items.CreateInput{Name: "Mug"})
	require.NoError(t, err)
	require.Equal(t, enums.ItemStatusGreenware, view.CurrentStatus)
	require.False(t, view.IsArchived)
	require.False(t, view.IsBroken)
	require.Empty(t, view.Photos)
	require.Nil(t, view.PrimaryPhoto)
	require.Nil(t, view.Measurements)
}

func TestPhotoPrimaryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateItem(ctx, f.subject, items.CreateInput{Name: "Bowl"})
	require.NoError(t, err)

	p1 := f.upload(t, item.ID)
	require.True(t, p1.IsPrimary)
	p2 := f.upload(t, item.ID)
	require.False(t, p2.IsPrimary)
	view := f.get(t, item.ID)
	require.True(t, photoByID(view, p1.ID).IsPrimary)
	require.Equal(t, p1.ID, view.PrimaryPhoto.ID)

	before := view.UpdatedAt
	_, err = f.svc.SetPrimaryPhoto(ctx, f.subject, item.ID, p2.ID)
	require.NoError(t, err)
	view = f.get(t, item.ID)
	require.False(t, photoByID(view, p1.ID).IsPrimary)
	require.True(t, photoByID(view, p2.ID).IsPrimary)
	require.True(t, view.UpdatedAt.After(before))

	require.NoError(t, f.svc.DeletePhoto(ctx, f.subject, item.ID, p2.ID))
	view = f.get(t, item.ID)
	require.Len(t, view.Photos, 1)
	require.True(t, view.Photos[0].IsPrimary)
	require.Equal(t, p1.ID, view.PrimaryPhoto.ID)
}

func TestUpdateItemSwapsArchivedForBroken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateItem(ctx, f.subject, items.CreateInput{Name: "Vase", IsArchived: true})
	require.NoError(t, err)

	view, err := f.svc.UpdateItem(ctx, f.subject, item.ID, items.UpdateInput{IsBroken: types.Some(true)})
	require.NoError(t, err)
	require.False(t, view.IsArchived)
	require.True(t, view.IsBroken)
}

func TestDeleteItemRemovesPhotosAndBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateItem(ctx, f.subject, items.CreateInput{Name: "Set of three"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.upload(t, item.ID)
	}
	require.Len(t, f.store.Keys(), 3)

	require.NoError(t, f.svc.DeleteItem(ctx, f.subject, item.ID))
	require.Empty(t, f.store.Keys())
	_, err = f.svc.GetItem(ctx, f.subject, item.ID)
	requireCode(t, err, pkgerrors.CodeNotFound)

	err = f.svc.DeleteItem(ctx, f.subject, item.ID)
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestReadsSignFreshURLs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateItem(ctx, f.subject, items.CreateInput{Name: "Plate"})
	require.NoError(t, err)
	photo := f.upload(t, item.ID)

	first := f.get(t, item.ID)
	require.NotEmpty(t, first.Photos[0].URL)
	require.True(t, first.Photos[0].URLExpiresAt.Equal(f.now.Add(5*time.Minute).Truncate(time.Second)))

	f.now = f.now.Add(time.Hour)
	second := f.get(t, item.ID)
	require.True(t, second.Photos[0].URLExpiresAt.After(first.Photos[0].URLExpiresAt))

	signed, err := f.svc.PhotoURL(ctx, f.subject, item.ID, photo.ID)
	require.NoError(t, err)
	parsed, err := url.Parse(signed.URL)
	require.NoError(t, err)
	_, err = f.store.Verify(parsed.Query().Get("token"))
	require.NoError(t, err)
}

func TestOtherSubjectsSeeNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item, err := f.svc.CreateItem(ctx, f.subject, items.CreateInput{Name: "Private"})
	require.NoError(t, err)
	photo := f.upload(t, item.ID)

	intruder := identitytest.Subject(t, "potter-2")
	_, err = f.svc.GetItem(ctx, intruder, item.ID)
	requireCode(t, err, pkgerrors.CodeNotFound)
	_, err = f.svc.PhotoURL(ctx, intruder, item.ID, photo.ID)
	requireCode(t, err, pkgerrors.CodeNotFound)
	err = f.svc.DeletePhoto(ctx, intruder, item.ID, photo.ID)
	requireCode(t, err, pkgerrors.CodeNotFound)

	page, err := f.svc.ListItems(ctx, intruder, pagination.Params{})
	require.NoError(t, err)
	require.Empty(t, page.Items)

	_, err = f.svc.ListItems(ctx, identity.Subject{}, pagination.Params{})
	requireCode(t, err, pkgerrors.CodeUnauthorized)
}

func TestListItemsRendersPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := f.svc.CreateItem(ctx, f.subject, items.CreateInput{Name: name})
		require.NoError(t, err)
	}
	page, err := f.svc.ListItems(ctx, f.subject, pagination.Params{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "c", page.Items[0].Name)
	require.NotEmpty(t, page.NextCursor)
}

func TestPrimaryIndexFallsBackToMostRecent(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	older := models.Photo{ID: uuid.New(), UploadedAt: base}
	newest := models.Photo{ID: uuid.New(), UploadedAt: base.Add(time.Minute)}
	flagged := models.Photo{ID: uuid.New(), UploadedAt: base.Add(-time.Hour), IsPrimary: true}

	if got := primaryIndex(nil); got != -1 {
		t.Fatalf("expected -1 for no photos, got %d", got)
	}
	if got := primaryIndex([]models.Photo{older, newest}); got != 1 {
		t.Fatalf("expected newest photo, got index %d", got)
	}
	if got := primaryIndex([]models.Photo{older, newest, flagged}); got != 2 {
		t.Fatalf("expected flagged primary, got index %d", got)
	}
}
