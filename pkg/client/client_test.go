package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/apifetch/internal/testutil"
	"github.com/Sternrassler/apifetch/pkg/auth"
	"github.com/Sternrassler/apifetch/pkg/codec"
	"github.com/Sternrassler/apifetch/pkg/endpoint"
	"github.com/Sternrassler/apifetch/pkg/extract"
	"github.com/Sternrassler/apifetch/pkg/schema"
	"github.com/Sternrassler/apifetch/pkg/session"
)

func newClient(t *testing.T, baseURL string, strategy auth.Strategy, endpoints ...*endpoint.Endpoint) *Client {
	t.Helper()
	c, err := New(context.Background(), DefaultConfig(baseURL, strategy, endpoints...))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func handle(t *testing.T, c *Client, name string) *Handle {
	t.Helper()
	h, err := c.Endpoint(name)
	if err != nil {
		t.Fatalf("Endpoint(%q) failed: %v", name, err)
	}
	return h
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name      string
		endpoints []*endpoint.Endpoint
		wantErr   error
		errorMsg  string
	}{
		{
			name:      "valid registry",
			endpoints: []*endpoint.Endpoint{{Name: "a", Path: "/a"}, {Name: "b", Path: "/b"}},
		},
		{
			name:      "duplicate names",
			endpoints: []*endpoint.Endpoint{{Name: "a", Path: "/a"}, {Name: "a", Path: "/other"}},
			wantErr:   ErrDuplicateEndpoint,
		},
		{
			name:      "missing path",
			endpoints: []*endpoint.Endpoint{{Name: "a"}},
			errorMsg:  "path or url builder is required",
		},
		{
			name:      "nil endpoint",
			endpoints: []*endpoint.Endpoint{nil},
			errorMsg:  "nil endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), DefaultConfig("https://api.x", nil, tt.endpoints...))
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
			case tt.errorMsg != "":
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
				}
			default:
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestNew_AuthFailure(t *testing.T) {
	failing, _ := auth.NewBearer("", func(context.Context) (string, error) {
		return "", errors.New("secret store unavailable")
	})
	if _, err := New(context.Background(), DefaultConfig("https://api.x", failing)); err == nil {
		t.Error("expected auth error at construction")
	}
}

func TestClient_Endpoint(t *testing.T) {
	c := newClient(t, "https://api.x", nil,
		&endpoint.Endpoint{Name: "people", Path: "/people"},
		&endpoint.Endpoint{Name: "events", Path: "/events"},
	)

	if _, err := c.Endpoint("unknown"); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("expected ErrEndpointNotFound, got %v", err)
	}
	if got := c.Endpoints(); !reflect.DeepEqual(got, []string{"events", "people"}) {
		t.Errorf("Endpoints() = %v", got)
	}
	if h := handle(t, c, "people"); h.Name() != "people" {
		t.Errorf("Name() = %q", h.Name())
	}
}

func TestHandle_TokenPaginationStopsAfterThreePages(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/reports",
		testutil.JSON(`{"results":[1,2],"nextPageToken":"p2"}`),
		testutil.JSON(`{"results":[3,4],"nextPageToken":"p3"}`),
		testutil.JSON(`{"results":[5]}`),
		testutil.JSON(`{"results":[99],"nextPageToken":"never"}`),
	)

	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{
		Name:      "reports",
		Path:      "/reports",
		Paginator: endpoint.TokenEcho{},
	})
	h := handle(t, c, "reports")

	var pages [][]any
	for page, err := range h.Pages(context.Background(), Params{"pageSize": 2}) {
		if err != nil {
			t.Fatalf("page error: %v", err)
		}
		items, _ := page.Items()
		pages = append(pages, items)
	}

	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	if mock.Count("/reports") != 3 {
		t.Errorf("requests = %d, want 3", mock.Count("/reports"))
	}

	reqs := mock.Requests()
	if reqs[0].Query.Get("pageToken") != "" || reqs[0].Query.Get("pageSize") != "2" {
		t.Errorf("first request query = %v", reqs[0].Query)
	}
	if reqs[2].Query.Get("pageToken") != "p3" || reqs[2].Query.Get("pageSize") != "2" {
		t.Errorf("third request query = %v", reqs[2].Query)
	}

	// Items is the concatenation of Pages.
	mock2 := testutil.NewMockAPI()
	defer mock2.Close()
	mock2.SetSequence("/reports",
		testutil.JSON(`{"results":[1,2],"nextPageToken":"p2"}`),
		testutil.JSON(`{"results":[3,4],"nextPageToken":"p3"}`),
		testutil.JSON(`{"results":[5]}`),
	)
	c2 := newClient(t, mock2.URL(), nil, &endpoint.Endpoint{Name: "reports", Path: "/reports", Paginator: endpoint.TokenEcho{}})

	var items []any
	for item, err := range handle(t, c2, "reports").Items(context.Background(), nil) {
		if err != nil {
			t.Fatalf("item error: %v", err)
		}
		items = append(items, item)
	}
	var flat []any
	for _, p := range pages {
		flat = append(flat, p...)
	}
	if !reflect.DeepEqual(items, flat) {
		t.Errorf("Items() = %v, want %v", items, flat)
	}
}

func TestHandle_EarlyBreakStopsRequests(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/feed", testutil.JSON(`{"results":[1,2,3],"nextPageToken":"again"}`))

	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{Name: "feed", Path: "/feed", Paginator: endpoint.TokenEcho{}})

	n := 0
	for _, err := range handle(t, c, "feed").Items(context.Background(), nil) {
		if err != nil {
			t.Fatalf("item error: %v", err)
		}
		n++
		if n == 4 {
			break
		}
	}
	if got := mock.Count("/feed"); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestHandle_FallbackExtraction(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []any
	}{
		{name: "list payload", body: `[1,2]`, want: []any{float64(1), float64(2)}},
		{name: "results key", body: `{"results":["a"],"count":1}`, want: []any{"a"}},
		{name: "single object", body: `{"id":7}`, want: []any{map[string]any{"id": float64(7)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAPI()
			defer mock.Close()
			mock.SetSequence("/x", testutil.JSON(tt.body))

			c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{Name: "x", Path: "/x"})
			var got []any
			for item, err := range handle(t, c, "x").Items(context.Background(), nil) {
				if err != nil {
					t.Fatalf("item error: %v", err)
				}
				got = append(got, item)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("items = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandle_PathExtractorAndCursorLink(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/v4/people", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("$skip") == "" {
			fmt.Fprintf(w, `{"items":[{"vanId":1}],"nextPageLink":"%s/v4/people?$top=1&$skip=1"}`, "https://ignored.host")
			return
		}
		fmt.Fprint(w, `{"items":[{"vanId":2}],"nextPageLink":null}`)
	})

	c := newClient(t, mock.URL()+"/v4/", nil, &endpoint.Endpoint{
		Name:          "people",
		Path:          "/people",
		DefaultParams: map[string]any{"$top": 1, "$expand": "emails"},
		Extractor:     extract.Path("items"),
		Paginator:     endpoint.CursorLink{},
	})

	var ids []float64
	for item, err := range handle(t, c, "people").Items(context.Background(), nil) {
		if err != nil {
			t.Fatalf("item error: %v", err)
		}
		ids = append(ids, item.(map[string]any)["vanId"].(float64))
	}
	if !reflect.DeepEqual(ids, []float64{1, 2}) {
		t.Errorf("ids = %v", ids)
	}

	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if reqs[0].Query.Get("$expand") != "emails" {
		t.Errorf("defaults not sent: %v", reqs[0].Query)
	}
	// The cursor link's query replaces the previous fields.
	if reqs[1].Query.Get("$expand") != "" || reqs[1].Query.Get("$skip") != "1" {
		t.Errorf("second request query = %v", reqs[1].Query)
	}
}

type typedPerson struct {
	VanID int    `mapstructure:"vanId"`
	Name  string `mapstructure:"firstName"`
}

type typedPeoplePage struct {
	Items []typedPerson `mapstructure:"items"`
	Next  string        `mapstructure:"nextPageLink"`
}

func TestHandle_TypedResponseSchemaWithPathExtractor(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/v4/people", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("$skip") == "" {
			fmt.Fprint(w, `{"items":[{"vanId":1,"firstName":"Ada"},{"vanId":"2","firstName":"Grace"}],"nextPageLink":"https://ignored.host/v4/people?$skip=2"}`)
			return
		}
		fmt.Fprint(w, `{"items":[{"vanId":3,"firstName":"Edsger"}],"nextPageLink":null}`)
	})

	c := newClient(t, mock.URL()+"/v4/", nil, &endpoint.Endpoint{
		Name:           "people",
		Path:           "/people",
		ResponseSchema: schema.NewTyped[typedPeoplePage](),
		Extractor:      extract.Path("items"),
		Paginator:      endpoint.CursorLink{},
	})

	var got []typedPerson
	for item, err := range handle(t, c, "people").Items(context.Background(), nil) {
		if err != nil {
			t.Fatalf("item error: %v", err)
		}
		p, ok := item.(typedPerson)
		if !ok {
			t.Fatalf("item = %T, want typedPerson", item)
		}
		got = append(got, p)
	}

	want := []typedPerson{{1, "Ada"}, {2, "Grace"}, {3, "Edsger"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("items = %+v, want %+v", got, want)
	}
	if n := mock.Count("/v4/people"); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestHandle_ReservedKeys(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/search", testutil.JSON(`[]`))
	mock.SetSequence("/jobs", testutil.JSON(`{"id":1}`))

	c := newClient(t, mock.URL(), nil,
		&endpoint.Endpoint{Name: "search", Path: "/search"},
		&endpoint.Endpoint{Name: "jobs", Path: "/jobs", Method: http.MethodPost},
	)
	ctx := context.Background()

	for _, err := range handle(t, c, "search").Items(ctx, Params{
		"q":       "x",
		"headers": map[string]string{"X-Trace": "t1"},
		"timeout": 5,
		"json":    map[string]any{"ignored": true},
	}) {
		if err != nil {
			t.Fatalf("search error: %v", err)
		}
	}

	for _, err := range handle(t, c, "search").Items(ctx, Params{
		"q":     "dropped",
		"query": map[string]any{"only": "this"},
	}) {
		if err != nil {
			t.Fatalf("search error: %v", err)
		}
	}

	if _, err := handle(t, c, "jobs").First(ctx, Params{
		"json":    map[string]any{"type": "contacts"},
		"timeout": "2s",
	}); err != nil {
		t.Fatalf("jobs error: %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}

	first := reqs[0]
	if first.Header.Get("X-Trace") != "t1" {
		t.Errorf("X-Trace = %q", first.Header.Get("X-Trace"))
	}
	if first.Query.Get("q") != "x" || first.Query.Has("headers") || first.Query.Has("timeout") || first.Query.Has("json") {
		t.Errorf("reserved keys leaked into query: %v", first.Query)
	}

	if got := reqs[1].Query.Encode(); got != "only=this" {
		t.Errorf("query wrapper not applied: %s", got)
	}

	post := reqs[2]
	if post.Method != http.MethodPost || post.Body != `{"type":"contacts"}` {
		t.Errorf("post = %s %s", post.Method, post.Body)
	}
	if post.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", post.Header.Get("Content-Type"))
	}
}

func TestHandle_Timeout(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	slow := testutil.JSON(`[]`)
	slow.Delay = 500 * time.Millisecond
	mock.SetSequence("/slow", slow)

	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{Name: "slow", Path: "/slow"})
	_, err := handle(t, c, "slow").First(context.Background(), Params{"timeout": 0.05})

	var se *session.StatusError
	if !errors.As(err, &se) || se.Class != session.ErrorClassNetwork {
		t.Errorf("expected network timeout error, got %v", err)
	}
}

func TestHandle_TransportErrorStopsIteration(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/feed",
		testutil.JSON(`{"results":[1],"nextPageToken":"p2"}`),
		testutil.Status(http.StatusInternalServerError),
	)

	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{Name: "feed", Path: "/feed", Paginator: endpoint.TokenEcho{}})

	var items []any
	var gotErr error
	for item, err := range handle(t, c, "feed").Items(context.Background(), nil) {
		if err != nil {
			gotErr = err
			break
		}
		items = append(items, item)
	}

	if len(items) != 1 {
		t.Errorf("items before failure = %v", items)
	}
	var se *session.StatusError
	if !errors.As(gotErr, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 StatusError, got %v", gotErr)
	}
	if mock.Count("/feed") != 2 {
		t.Errorf("requests = %d, want 2", mock.Count("/feed"))
	}
}

func TestHandle_First(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/jobs/42", testutil.JSON(`{"exportJobId":42,"status":"Completed"}`))
	mock.SetSequence("/empty", testutil.JSON(`{"results":[]}`))

	c := newClient(t, mock.URL(), nil,
		&endpoint.Endpoint{Name: "job", URLBuilder: endpoint.PathTemplate("/jobs/{exportJobId}")},
		&endpoint.Endpoint{Name: "empty", Path: "/empty"},
	)
	ctx := context.Background()

	job, err := handle(t, c, "job").First(ctx, Params{"exportJobId": 42})
	if err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if job.(map[string]any)["status"] != "Completed" {
		t.Errorf("job = %v", job)
	}
	if q := mock.Requests()[0].Query; q.Has("exportJobId") {
		t.Errorf("consumed path field re-sent: %v", q)
	}

	if _, err := handle(t, c, "empty").First(ctx, nil); !errors.Is(err, ErrNoItems) {
		t.Errorf("expected ErrNoItems, got %v", err)
	}
}

func TestHandle_TwoStageDownload(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/exports/7", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"files":[{"downloadUrl":"%s/files/export.csv?sig=abc"}]}`, "http://"+r.Host)
	})
	mock.SetSequence("/files/export.csv", testutil.CSV("id\tname\n1\tada\n2\tgrace\n"))
	mock.SetHandler("/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":"%s/files/data.json"}`, "http://"+r.Host)
	})
	mock.SetSequence("/files/data.json", testutil.JSON(`{"results":[{"k":"v"}]}`))

	c := newClient(t, mock.URL(), auth.NewBasic("user", "secret", nil),
		&endpoint.Endpoint{
			Name:     "export",
			Path:     "/exports/7",
			Codec:    codec.CSV{},
			Download: endpoint.DownloadAt{Path: "files.0.downloadUrl"},
		},
		&endpoint.Endpoint{
			Name:     "meta",
			Path:     "/meta",
			Download: endpoint.DownloadAt{Path: "url"},
		},
	)
	ctx := context.Background()

	var names []string
	for item, err := range handle(t, c, "export").Items(ctx, nil) {
		if err != nil {
			t.Fatalf("export error: %v", err)
		}
		names = append(names, item.(map[string]any)["name"].(string))
	}
	if strings.Join(names, ",") != "ada,grace" {
		t.Errorf("names = %v", names)
	}

	item, err := handle(t, c, "meta").First(ctx, nil)
	if err != nil {
		t.Fatalf("meta error: %v", err)
	}
	if item.(map[string]any)["k"] != "v" {
		t.Errorf("item = %v", item)
	}

	for _, r := range mock.Requests() {
		_, hasBasic := basicAuth(r.Header)
		if strings.HasPrefix(r.Path, "/files/") && hasBasic {
			t.Errorf("download %s carried credentials", r.Path)
		}
		if !strings.HasPrefix(r.Path, "/files/") && !hasBasic {
			t.Errorf("metadata request %s missing credentials", r.Path)
		}
	}
}

func basicAuth(h http.Header) (string, bool) {
	req := &http.Request{Header: h}
	user, _, ok := req.BasicAuth()
	return user, ok
}

func TestHandle_StreamedCSVPage(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/export.csv", testutil.CSV("id,value\n1,a\n2,b\n3,c\n"))

	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{
		Name:   "download",
		Path:   "/export.csv",
		Codec:  codec.CSV{},
		Stream: true,
	})

	pages := 0
	var values []string
	for page, err := range handle(t, c, "download").Pages(context.Background(), nil) {
		if err != nil {
			t.Fatalf("page error: %v", err)
		}
		pages++
		if !page.Streamed() {
			t.Error("expected streamed page")
		}
		for row, err := range page.All() {
			if err != nil {
				t.Fatalf("row error: %v", err)
			}
			values = append(values, row.(map[string]any)["value"].(string))
		}
	}
	if pages != 1 || strings.Join(values, "") != "abc" {
		t.Errorf("pages = %d, values = %v", pages, values)
	}
}

func TestHandle_PaginatorWrapperReplacesFields(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/search", testutil.JSON(`{"results":[1]}`))

	calls := 0
	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{
		Name: "search",
		Path: "/search",
		Paginator: endpoint.PaginatorFunc(func(_ *session.Response, prev map[string]any) (*endpoint.Advance, error) {
			calls++
			if calls == 1 {
				return &endpoint.Advance{Fields: map[string]any{"query": map[string]any{"page": 2}}}, nil
			}
			return nil, nil
		}),
	})

	for _, err := range handle(t, c, "search").Items(context.Background(), Params{"q": "x"}) {
		if err != nil {
			t.Fatalf("item error: %v", err)
		}
	}

	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if got := reqs[1].Query.Encode(); got != "page=2" {
		t.Errorf("second query = %s, want page=2", got)
	}
}

func TestHandle_ContextCancelled(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetSequence("/x", testutil.JSON(`[]`))

	c := newClient(t, mock.URL(), nil, &endpoint.Endpoint{Name: "x", Path: "/x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := handle(t, c, "x").First(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if mock.Count("/x") != 0 {
		t.Error("no request should be made after cancellation")
	}
}
