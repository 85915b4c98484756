package pool

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Glitchfix/crossroads/internal/models"
	"github.com/Glitchfix/crossroads/internal/storage"
)

func newRegistry(t *testing.T) storage.Registry {
	t.Helper()
	reg, err := storage.NewSQLiteRegistry(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return reg
}

func seed(t *testing.T, reg storage.Registry, url string, addrs []string) {
	t.Helper()
	ch := models.Channel{
		URL:            url,
		Name:           url,
		SourceAddress:  models.DefaultSourceAddress,
		SplitterCount:  len(addrs),
		CredentialHash: "hash",
		Visible:        true,
	}
	if err := reg.InsertChannelWithPool(context.Background(), ch, addrs); err != nil {
		t.Fatalf("seed %s: %v", url, err)
	}
}

func TestManagerAvailability(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	addrs := []string{"h:1", "h:2", "h:3"}
	seed(t, reg, "c", addrs)
	mgr := NewManager(reg)

	got, err := mgr.AvailableAddressesFor(ctx, "c")
	if err != nil || !reflect.DeepEqual(got, addrs) {
		t.Fatalf("AvailableAddressesFor = %v, %v", got, err)
	}

	for i := 0; i < 2; i++ {
		if err := mgr.RecordAvailability(ctx, "c", "h:2", false); err != nil {
			t.Fatalf("RecordAvailability: %v", err)
		}
	}
	got, _ = mgr.AvailableAddressesFor(ctx, "c")
	if !reflect.DeepEqual(got, []string{"h:1", "h:3"}) {
		t.Fatalf("expected h:2 filtered, got %v", got)
	}

	snap, err := mgr.Pool(ctx, "c")
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if snap.Total != 3 || !reflect.DeepEqual(snap.Available, []string{"h:1", "h:3"}) {
		t.Fatalf("unexpected pool %+v", snap)
	}
}

func TestManagerUnknownChannel(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newRegistry(t))

	got, err := mgr.AvailableAddressesFor(ctx, "missing")
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v, %v", got, err)
	}
	snap, err := mgr.Pool(ctx, "missing")
	if err != nil || snap.Total != 0 || len(snap.Available) != 0 {
		t.Fatalf("unexpected pool %+v, %v", snap, err)
	}
	if err := mgr.RecordAvailability(ctx, "missing", "h:1", true); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type failingStore struct{ err error }

func (f failingStore) ListSplitters(context.Context, string) ([]models.Splitter, error) {
	return nil, f.err
}

func (f failingStore) GetSplitterAddresses(context.Context, string, bool) ([]string, error) {
	return nil, f.err
}

func (f failingStore) SetSplitterAvailability(context.Context, string, string, bool) error {
	return f.err
}

func TestManagerWrapsStoreErrors(t *testing.T) {
	boom := errors.New("boom")
	mgr := NewManager(failingStore{err: boom})
	if _, err := mgr.AvailableAddressesFor(context.Background(), "c"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if _, err := mgr.Pool(context.Background(), "c"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
