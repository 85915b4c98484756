package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Glitchfix/crossroads/internal/models"
)

// RegistryFactory constructs a registry for cross-backend scenario
// assertions.
type RegistryFactory func(t *testing.T, opts ...Option) (Registry, func(), error)

func runRegistry(t *testing.T, factory RegistryFactory, opts ...Option) Registry {
	t.Helper()
	if factory == nil {
		t.Fatal("registry factory is required")
	}
	reg, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if reg == nil {
		t.Fatal("registry factory returned nil registry")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return reg
}

// steppingClock returns strictly increasing timestamps so creation order is
// deterministic across backends.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func testChannel(url string, splitters int) models.Channel {
	return models.Channel{
		URL:            url,
		Name:           "name-" + url,
		Description:    "description-" + url,
		SourceAddress:  models.DefaultSourceAddress,
		SourcePort:     8000,
		HeaderSize:     10,
		SplitterCount:  splitters,
		CredentialHash: "$argon2id$hash-" + url,
		Visible:        true,
	}
}

func testAddresses(url string, n int) []string {
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("%s-host:%d", url, 9000+i)
	}
	return addrs
}

func mustInsert(t *testing.T, reg Registry, ch models.Channel) []string {
	t.Helper()
	addrs := testAddresses(ch.URL, ch.SplitterCount)
	if err := reg.InsertChannelWithPool(context.Background(), ch, addrs); err != nil {
		t.Fatalf("InsertChannelWithPool(%s): %v", ch.URL, err)
	}
	return addrs
}

func RunRegistryChannelLifecycle(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory, WithClock(steppingClock()))

	ch := testChannel("alpha", 3)
	addrs := mustInsert(t, reg, ch)

	got, err := reg.GetChannel(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.CredentialHash != "" {
		t.Fatal("GetChannel must not expose the credential hash")
	}
	if got.Name != ch.Name || got.SplitterCount != 3 || !got.Visible || got.SourceAddress != models.DefaultSourceAddress {
		t.Fatalf("unexpected channel %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be stamped")
	}

	hash, err := reg.GetCredentialHash(ctx, "alpha")
	if err != nil || hash != ch.CredentialHash {
		t.Fatalf("GetCredentialHash = %q, %v", hash, err)
	}

	all, err := reg.GetSplitterAddresses(ctx, "alpha", false)
	if err != nil {
		t.Fatalf("GetSplitterAddresses: %v", err)
	}
	if !reflect.DeepEqual(all, addrs) {
		t.Fatalf("expected addresses %v in insertion order, got %v", addrs, all)
	}

	update := models.MetadataUpdate{Name: "renamed", Description: "new description"}
	if err := reg.UpdateChannelMetadata(ctx, "alpha", update); err != nil {
		t.Fatalf("UpdateChannelMetadata: %v", err)
	}
	got, _ = reg.GetChannel(ctx, "alpha")
	if got.Name != "renamed" || got.Description != "new description" || got.SplitterCount != 3 {
		t.Fatalf("metadata update not applied: %+v", got)
	}
	splitters, _ := reg.ListSplitters(ctx, "alpha")
	if len(splitters) != 3 {
		t.Fatalf("edit must not touch the pool, got %d splitters", len(splitters))
	}

	if err := reg.DeleteChannel(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	if _, err := reg.GetChannel(ctx, "alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	remaining, err := reg.ListSplitters(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListSplitters: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected splitter rows to be deleted, got %d", len(remaining))
	}
	if _, err := reg.ResolveSplitterChannel(ctx, addrs[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted address to be unresolvable, got %v", err)
	}
}

func RunRegistryNotFound(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory)

	if _, err := reg.GetChannel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetChannel: expected ErrNotFound, got %v", err)
	}
	if _, err := reg.GetCredentialHash(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCredentialHash: expected ErrNotFound, got %v", err)
	}
	if err := reg.UpdateChannelMetadata(ctx, "missing", models.MetadataUpdate{Name: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateChannelMetadata: expected ErrNotFound, got %v", err)
	}
	if err := reg.DeleteChannel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteChannel: expected ErrNotFound, got %v", err)
	}
	if err := reg.SetSplitterAvailability(ctx, "missing", "h:1", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetSplitterAvailability: expected ErrNotFound, got %v", err)
	}
	addrs, err := reg.GetSplitterAddresses(ctx, "missing", true)
	if err != nil || addrs == nil || len(addrs) != 0 {
		t.Fatalf("expected empty non-nil addresses, got %v, %v", addrs, err)
	}
}

func RunRegistryListing(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory, WithClock(steppingClock()))

	empty, err := reg.ListChannels(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil listing, got %#v", empty)
	}

	for _, url := range []string{"c1", "c2", "c3", "c4"} {
		ch := testChannel(url, 1)
		if url == "c3" {
			ch.Visible = false
		}
		mustInsert(t, reg, ch)
	}

	page, err := reg.ListChannels(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	var urls []string
	for _, s := range page {
		urls = append(urls, s.URL)
	}
	if !reflect.DeepEqual(urls, []string{"c1", "c2", "c4"}) {
		t.Fatalf("expected visible channels in creation order, got %v", urls)
	}
	if page[0].Name != "name-c1" || page[0].Description != "description-c1" {
		t.Fatalf("unexpected summary %+v", page[0])
	}

	page, _ = reg.ListChannels(ctx, 1, 1)
	if len(page) != 1 || page[0].URL != "c2" {
		t.Fatalf("expected limit/offset to select c2, got %+v", page)
	}
	page, _ = reg.ListChannels(ctx, 10, 5)
	if len(page) != 0 {
		t.Fatalf("expected empty page past the end, got %+v", page)
	}

	// Invisible rows still hold their url.
	if err := reg.InsertChannelWithPool(ctx, testChannel("c3", 1), []string{"other:1"}); !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("expected ErrDuplicateURL for invisible url, got %v", err)
	}
}

func RunRegistryRejectsInvalidPools(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory)

	cases := []struct {
		name  string
		addrs []string
	}{
		{name: "too few", addrs: []string{"h:1", "h:2"}},
		{name: "too many", addrs: []string{"h:1", "h:2", "h:3", "h:4"}},
		{name: "duplicate", addrs: []string{"h:1", "h:1", "h:2"}},
		{name: "empty", addrs: []string{"h:1", "", "h:2"}},
	}
	for _, tc := range cases {
		err := reg.InsertChannelWithPool(ctx, testChannel("bad", 3), tc.addrs)
		if !errors.Is(err, ErrInvalidPool) {
			t.Fatalf("%s: expected ErrInvalidPool, got %v", tc.name, err)
		}
	}
	if _, err := reg.GetChannel(ctx, "bad"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected insert must leave no channel, got %v", err)
	}
}

func RunRegistryAvailability(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory)

	addrs := mustInsert(t, reg, testChannel("pool", 3))

	available, _ := reg.GetSplitterAddresses(ctx, "pool", true)
	if len(available) != 3 {
		t.Fatalf("new splitters must default to available, got %v", available)
	}

	for i := 0; i < 2; i++ {
		if err := reg.SetSplitterAvailability(ctx, "pool", addrs[1], false); err != nil {
			t.Fatalf("SetSplitterAvailability: %v", err)
		}
	}
	available, _ = reg.GetSplitterAddresses(ctx, "pool", true)
	if !reflect.DeepEqual(available, []string{addrs[0], addrs[2]}) {
		t.Fatalf("expected %s filtered out, got %v", addrs[1], available)
	}
	all, _ := reg.GetSplitterAddresses(ctx, "pool", false)
	if len(all) != 3 {
		t.Fatalf("availability must not remove rows, got %v", all)
	}

	if err := reg.SetSplitterAvailability(ctx, "pool", addrs[1], true); err != nil {
		t.Fatalf("SetSplitterAvailability: %v", err)
	}
	available, _ = reg.GetSplitterAddresses(ctx, "pool", true)
	if !reflect.DeepEqual(available, addrs) {
		t.Fatalf("expected original order after restore, got %v", available)
	}

	if err := reg.SetSplitterAvailability(ctx, "pool", "unknown:1", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown address, got %v", err)
	}

	url, err := reg.ResolveSplitterChannel(ctx, addrs[2])
	if err != nil || url != "pool" {
		t.Fatalf("ResolveSplitterChannel = %q, %v", url, err)
	}
}

func RunRegistrySharedAddress(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory)

	shared := []string{"shared-host:9000"}
	for _, url := range []string{"first", "second"} {
		if err := reg.InsertChannelWithPool(ctx, testChannel(url, 1), shared); err != nil {
			t.Fatalf("insert %s: %v", url, err)
		}
	}
	if _, err := reg.ResolveSplitterChannel(ctx, shared[0]); !errors.Is(err, ErrAmbiguousAddress) {
		t.Fatalf("expected ErrAmbiguousAddress, got %v", err)
	}

	if err := reg.DeleteChannel(ctx, "first"); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	url, err := reg.ResolveSplitterChannel(ctx, shared[0])
	if err != nil || url != "second" {
		t.Fatalf("ResolveSplitterChannel = %q, %v", url, err)
	}
}

func RunRegistryConcurrentInserts(t *testing.T, factory RegistryFactory) {
	ctx := context.Background()
	reg := runRegistry(t, factory)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("con-%d", i)
			errs <- reg.InsertChannelWithPool(ctx, testChannel(url, 2), testAddresses(url, 2))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent insert: %v", err)
		}
	}
	page, err := reg.ListChannels(ctx, 100, 0)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(page) != n {
		t.Fatalf("expected %d channels, got %d", n, len(page))
	}
}

func runRegistryScenarios(t *testing.T, factory RegistryFactory) {
	t.Run("ChannelLifecycle", func(t *testing.T) { RunRegistryChannelLifecycle(t, factory) })
	t.Run("NotFound", func(t *testing.T) { RunRegistryNotFound(t, factory) })
	t.Run("Listing", func(t *testing.T) { RunRegistryListing(t, factory) })
	t.Run("RejectsInvalidPools", func(t *testing.T) { RunRegistryRejectsInvalidPools(t, factory) })
	t.Run("Availability", func(t *testing.T) { RunRegistryAvailability(t, factory) })
	t.Run("ConcurrentInserts", func(t *testing.T) { RunRegistryConcurrentInserts(t, factory) })
	t.Run("SharedAddress", func(t *testing.T) { RunRegistrySharedAddress(t, factory) })
}
