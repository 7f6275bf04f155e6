package hookutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/morezero/sockr/pkg/cache"
	"github.com/morezero/sockr/pkg/rpc"
)

type owner struct {
	Name  string  `json:"name"`
	Email *string `json:"email"`
}

type car struct {
	ID      string  `json:"id"`
	Make    string  `json:"make"`
	Model   string  `json:"model"`
	Color   *string `json:"color"`
	Built   string  `json:"built,omitempty"`
	Owner   owner   `json:"owner"`
	Comment string  `json:"comment"`
}

func TestAfterHooks_Data(t *testing.T) {
	ctx := context.Background()
	viper := car{ID: "1", Make: "Dodge", Model: "Viper", Built: "1992-05-14", Owner: owner{Name: "Ann"}}

	tests := []struct {
		name string
		hook rpc.HookFunc
		data any
		want any
	}{
		{
			name: "strip all nulls",
			hook: StripNulls(),
			data: viper,
			want: map[string]any{"id": "1", "make": "Dodge", "model": "Viper", "built": "1992-05-14", "owner": map[string]any{"name": "Ann", "email": nil}, "comment": ""},
		},
		{
			name: "strip named nulls in array",
			hook: StripNulls("owner.email"),
			data: []car{viper},
			want: []any{map[string]any{"id": "1", "make": "Dodge", "model": "Viper", "color": nil, "built": "1992-05-14", "owner": map[string]any{"name": "Ann"}, "comment": ""}},
		},
		{
			name: "strip empty",
			hook: StripEmpty(),
			data: viper,
			want: map[string]any{"id": "1", "make": "Dodge", "model": "Viper", "built": "1992-05-14", "owner": map[string]any{"name": "Ann", "email": nil}},
		},
		{
			name: "strip fields",
			hook: StripFields("color", "owner", "comment", "built"),
			data: viper,
			want: map[string]any{"id": "1", "make": "Dodge", "model": "Viper"},
		},
		{
			name: "rename field",
			hook: RenameField("owner.name", "ownerName"),
			data: map[string]any{"id": "1", "owner": map[string]any{"name": "Ann"}},
			want: map[string]any{"id": "1", "owner": map[string]any{}, "ownerName": "Ann"},
		},
		{
			name: "copy field",
			hook: CopyField("id", "key"),
			data: []any{map[string]any{"id": "1"}, map[string]any{"id": "2"}, "scalar"},
			want: []any{map[string]any{"id": "1", "key": "1"}, map[string]any{"id": "2", "key": "2"}, "scalar"},
		},
		{
			name: "format dates",
			hook: FormatDates("02 Jan 2006", "built", "missing", "id"),
			data: map[string]any{"built": "1992-05-14", "id": "not a date"},
			want: map[string]any{"built": "14 May 1992", "id": "not a date"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCtx(t, &testConn{id: "c1"}, `{"header":{"service":"cars","method":"get"}}`)
			c.Response.Data = tt.data
			if err := tt.hook(ctx, c); err != nil {
				t.Fatalf("hookutil:after_test - hook: %v", err)
			}
			if diff := cmp.Diff(tt.want, c.Response.Data); diff != "" {
				t.Errorf("hookutil:after_test - data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAfterHooks_NoData(t *testing.T) {
	c := newCtx(t, &testConn{id: "c1"}, `{"header":{"service":"cars","method":"touch"}}`)
	for _, hook := range []rpc.HookFunc{StripNulls(), StripFields("a"), RenameField("a", "b")} {
		if err := hook(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
	if c.Response.Data != nil {
		t.Errorf("hookutil:after_test - hooks invented data: %v", c.Response.Data)
	}
}

func TestTimingHooks(t *testing.T) {
	c := newCtx(t, &testConn{id: "c1"}, `{"header":{"service":"s","method":"m"}}`)
	c.Response.Header = c.Header()
	c.StartTime = time.Now().Add(-50 * time.Millisecond)

	ctx := context.Background()
	if err := AddStopTime()(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := AddElapsedTime()(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Response.Header.Get("stopTime").(string); !ok {
		t.Errorf("hookutil:after_test - stopTime = %v", c.Response.Header.Get("stopTime"))
	}
	elapsed, ok := c.Response.Header.Get("elapsedTime").(int64)
	if !ok || elapsed < 50 {
		t.Errorf("hookutil:after_test - elapsedTime = %v", c.Response.Header.Get("elapsedTime"))
	}
}

// inventory counts calls so cache tests can tell hits from misses.
type inventory struct {
	calls atomic.Int32
}

type lookupParams struct {
	Make string `json:"make"`
}

func (s *inventory) Find(_ context.Context, p lookupParams) ([]car, error) {
	s.calls.Add(1)
	return []car{{ID: "1", Make: p.Make, Model: "Viper"}}, nil
}

func (s *inventory) Update(_ context.Context, p lookupParams) (bool, error) {
	return true, nil
}

func (s *inventory) Owner(_ context.Context, p struct {
	ID string `json:"id"`
}) (owner, error) {
	return owner{Name: "owner-of-" + p.ID}, nil
}

func TestCacheHooks(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	key := CacheKey{Prefix: "cars", Keys: []string{"make"}}

	inv := &inventory{}
	app := rpc.New()
	if err := app.Use("cars", inv, "find", "update"); err != nil {
		t.Fatal(err)
	}
	svc, _ := app.Service("cars")
	svc.MethodHooks("find").Before(GetCache(store, key)).After(SetCache(store, key, time.Minute))
	svc.MethodHooks("update").After(DelCache(store, key))

	client := &testConn{id: "c1"}
	find := `{"header":{"service":"cars","method":"find"},"params":{"make":"Dodge"}}`

	app.Dispatch(ctx, newCtx(t, client, find))
	if first := client.last(t); first["cached"] != nil {
		t.Errorf("hookutil:after_test - first response marked cached: %v", first)
	}
	if _, ok, _ := store.Get(ctx, "cars-Dodge"); !ok {
		t.Fatal("hookutil:after_test - response not stored")
	}

	app.Dispatch(ctx, newCtx(t, client, find))
	second := client.last(t)
	if second["cached"] != true {
		t.Errorf("hookutil:after_test - second response not cached: %v", second)
	}
	if inv.calls.Load() != 1 {
		t.Errorf("hookutil:after_test - service called %d times, want 1", inv.calls.Load())
	}
	if data, ok := second["data"].([]any); !ok || len(data) != 1 {
		t.Errorf("hookutil:after_test - cached data = %v", second["data"])
	}

	app.Dispatch(ctx, newCtx(t, client, `{"header":{"service":"cars","method":"update"},"params":{"make":"Dodge"}}`))
	if _, ok, _ := store.Get(ctx, "cars-Dodge"); ok {
		t.Error("hookutil:after_test - DelCache left the key")
	}

	// Without the key param nothing is cached.
	app.Dispatch(ctx, newCtx(t, client, `{"header":{"service":"cars","method":"find"},"params":{}}`))
	if store.Len() != 0 {
		t.Errorf("hookutil:after_test - keyless request was cached")
	}
}

func TestCallService(t *testing.T) {
	ctx := context.Background()
	app := rpc.New()
	if err := app.Use("people", &inventory{}, "owner"); err != nil {
		t.Fatal(err)
	}

	c := newCtx(t, &testConn{id: "c1"}, `{"header":{"service":"cars","method":"get"}}`)
	c.App = app
	c.Response.Data = []car{{ID: "7"}}

	if err := CallService("people", "owner", []string{"id"}, true)(ctx, c); err != nil {
		t.Fatalf("hookutil:after_test - CallService: %v", err)
	}
	if diff := cmp.Diff(owner{Name: "owner-of-7"}, c.Response.Data); diff != "" {
		t.Errorf("hookutil:after_test - result mismatch (-want +got):\n%s", diff)
	}

	c.Response.Data = map[string]any{"other": 1}
	if err := CallService("people", "owner", []string{"id"}, true)(ctx, c); err == nil {
		t.Error("hookutil:after_test - expected error when the key is missing")
	}
}

func TestBroadcaster(t *testing.T) {
	ctx := context.Background()
	app := rpc.New()
	origin, watcher := &testConn{id: "a"}, &testConn{id: "b"}
	app.Channel("cars/Dodge").Join(origin)
	app.Channel("cars/Dodge").Join(watcher)

	c := newCtx(t, origin, `{"header":{"service":"cars","method":"update","id":"9"}}`)
	c.App = app
	c.Response.Header = c.Header()
	c.Response.Data = map[string]any{"make": "Dodge"}

	if err := Broadcaster("cars", "make", "")(ctx, c); err != nil {
		t.Fatal(err)
	}
	if origin.count() != 0 {
		t.Errorf("hookutil:after_test - origin received its own broadcast")
	}
	got := watcher.last(t)
	header, _ := got["header"].(map[string]any)
	if header["channel"] != "cars/Dodge" || header["origin"] != "a" {
		t.Errorf("hookutil:after_test - broadcast header = %v", header)
	}
	if c.Response.Header.Channel != "" {
		t.Errorf("hookutil:after_test - reply header was modified: %+v", c.Response.Header)
	}
}
