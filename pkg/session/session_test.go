package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSession_AppliesHeadersAndCredentials(t *testing.T) {
	var gotAuth, gotCustom, gotUA string
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Token")
		gotCustom = r.Header.Get("X-Request")
		gotUA = r.Header.Get("User-Agent")
		gotUser, gotPass, _ = r.BasicAuth()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	s := New(nil, "apifetch-test/1.0")
	s.SetHeader("X-Token", "abc")
	s.SetHeader("X-Request", "session")
	s.SetBasicAuth("user", "pass")

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set("X-Request", "request")

	resp, err := s.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body, _ := resp.Bytes()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	if gotAuth != "abc" {
		t.Errorf("X-Token = %q", gotAuth)
	}
	if gotCustom != "request" {
		t.Errorf("request header should win, got %q", gotCustom)
	}
	if gotUA != "apifetch-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotUser != "user" || gotPass != "pass" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
}

func TestSession_InterceptorOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	var order []string
	s := New(nil, "")
	for _, name := range []string{"outer", "inner"} {
		s.Use(InterceptorFunc(func(req *http.Request, next RoundTripFunc) (*http.Response, error) {
			order = append(order, name+":before")
			resp, err := next(req)
			order = append(order, name+":after")
			return resp, err
		}))
	}
	if s.Interceptors() != 2 {
		t.Fatalf("Interceptors() = %d", s.Interceptors())
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := s.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Close()

	want := "outer:before,inner:before,inner:after,outer:after"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestSession_RetrySeesUpdatedHeaders(t *testing.T) {
	var tokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tokens = append(tokens, r.Header.Get("Authorization")+"|"+string(body))
		if len(tokens) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	s := New(nil, "")
	s.SetHeader("Authorization", "Bearer old")
	s.Use(InterceptorFunc(func(req *http.Request, next RoundTripFunc) (*http.Response, error) {
		resp, err := next(req)
		if err != nil || resp.StatusCode != http.StatusUnauthorized {
			return resp, err
		}
		resp.Body.Close()
		s.SetHeader("Authorization", "Bearer new")
		return next(req)
	}))

	req, _ := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader([]byte("payload")))
	resp, err := s.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Close()

	want := []string{"Bearer old|payload", "Bearer new|payload"}
	if strings.Join(tokens, ",") != strings.Join(want, ",") {
		t.Errorf("requests = %v, want %v", tokens, want)
	}
}

func TestSession_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantClass ErrorClass
	}{
		{name: "not found", status: http.StatusNotFound, wantClass: ErrorClassClient},
		{name: "rate limited", status: http.StatusTooManyRequests, wantClass: ErrorClassRateLimit},
		{name: "server error", status: http.StatusBadGateway, wantClass: ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("boom"))
			}))
			defer server.Close()

			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			_, err := New(nil, "").Do(req)

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("StatusCode = %d", se.StatusCode)
			}
			if se.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", se.Class, tt.wantClass)
			}
			if se.Body != "boom" {
				t.Errorf("Body = %q", se.Body)
			}
		})
	}
}

func TestSession_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	_, err := New(nil, "").Do(req)

	var se *StatusError
	if !errors.As(err, &se) || se.Class != ErrorClassNetwork {
		t.Errorf("expected network StatusError, got %v", err)
	}
}

func TestSession_FetchIsBare(t *testing.T) {
	var gotAuth string
	var hasBasic bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _, hasBasic = r.BasicAuth()
		w.Write([]byte("a,b\n1,2\n"))
	}))
	defer server.Close()

	intercepted := false
	s := New(nil, "")
	s.SetHeader("X-Api-Key", "secret")
	s.SetBasicAuth("user", "pass")
	s.Use(InterceptorFunc(func(req *http.Request, next RoundTripFunc) (*http.Response, error) {
		intercepted = true
		return next(req)
	}))

	resp, err := s.Fetch(context.Background(), server.URL+"/signed?sig=1")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	body, _ := resp.Bytes()
	if string(body) != "a,b\n1,2\n" {
		t.Errorf("body = %q", body)
	}
	if gotAuth != "" || hasBasic {
		t.Error("Fetch should not send credentials")
	}
	if intercepted {
		t.Error("Fetch should bypass interceptors")
	}
}

func TestResponse_BytesAndStream(t *testing.T) {
	resp := NewResponse(&http.Response{Body: io.NopCloser(strings.NewReader("data"))})

	b1, _ := resp.Bytes()
	b2, _ := resp.Bytes()
	if string(b1) != "data" || string(b2) != "data" {
		t.Errorf("Bytes() = %q, %q", b1, b2)
	}
	if !resp.Buffered() {
		t.Error("expected buffered")
	}
	stream, _ := io.ReadAll(resp.Stream())
	if string(stream) != "data" {
		t.Errorf("Stream() after Bytes() = %q", stream)
	}

	streamed := NewResponse(&http.Response{Body: io.NopCloser(strings.NewReader("x"))})
	streamed.Stream()
	if _, err := streamed.Bytes(); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Bytes() after Stream() err = %v", err)
	}
}

func TestResponse_ContentType(t *testing.T) {
	resp := NewResponse(&http.Response{Header: http.Header{"Content-Type": {"application/json; charset=utf-8"}}})
	if got := resp.ContentType(); got != "application/json" {
		t.Errorf("ContentType() = %q", got)
	}
}
