package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *LeadClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewLeadClient(srv.URL, "test-key", 2, 1000, 100)
}

func TestLeadClientSearch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/leads/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		var req struct {
			Query    string `json:"query"`
			Page     int    `json:"page"`
			PageSize int    `json:"page_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "cto berlin" || req.Page != 2 || req.PageSize != 2 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(searchResp{
			Records: []SearchRecord{
				{Fields: map[string]string{"name": "Ada"}},
				{Fields: map[string]string{"name": "Grace"}},
			},
			Total: 41,
		})
	})

	recs, total, err := c.Search(context.Background(), "cto berlin", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 41 {
		t.Fatalf("total = %d, want 41", total)
	}
	if len(recs) != 2 || recs[0].Fields["name"] != "Ada" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestLeadClientCount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResp{Total: 1337})
	})
	total, err := c.Count(context.Background(), "anything")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1337 {
		t.Fatalf("total = %d, want 1337", total)
	}
}

func TestLeadClientErrorClasses(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusUnauthorized, ErrAuthFailed},
		{http.StatusForbidden, ErrAuthFailed},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, ErrPermanent},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, _, err := c.Search(context.Background(), "q", 1)
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestLeadClientInBodyError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResp{Error: "query too broad"})
	})
	_, _, err := c.Search(context.Background(), "q", 1)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want ErrPermanent", err)
	}
}

func TestLeadClientRequiresAPIKey(t *testing.T) {
	c := NewLeadClient("http://localhost:0", "", 10, 1000, 100)
	_, _, err := c.Search(context.Background(), "q", 1)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}
