package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func tokenServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handle))
	t.Cleanup(srv.Close)
	return srv
}

func writeToken(w http.ResponseWriter, resp tokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestTokenSource_ClientCredentials(t *testing.T) {
	t.Parallel()

	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if r.FormValue("grant_type") != GrantClientCredentials {
			t.Errorf("grant_type: got %q, want %q", r.FormValue("grant_type"), GrantClientCredentials)
		}
		if r.FormValue("client_id") != "cid" {
			t.Errorf("client_id: got %q, want %q", r.FormValue("client_id"), "cid")
		}
		if r.FormValue("scope") != GraphScope {
			t.Errorf("scope: got %q, want %q", r.FormValue("scope"), GraphScope)
		}
		if r.FormValue("refresh_token") != "" {
			t.Error("unexpected refresh_token in client credentials grant")
		}
		writeToken(w, tokenResponse{AccessToken: "app-token", ExpiresIn: 3600})
	})

	ts, err := New(Config{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "secret", Scope: GraphScope}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ts.Grant() != GrantClientCredentials {
		t.Errorf("Grant: got %q, want %q", ts.Grant(), GrantClientCredentials)
	}

	token, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "app-token" {
		t.Errorf("token: got %q, want %q", token, "app-token")
	}
}

func TestTokenSource_RefreshTokenRotation(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
	)
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("grant_type") != GrantRefreshToken {
			t.Errorf("grant_type: got %q, want %q", r.FormValue("grant_type"), GrantRefreshToken)
		}
		mu.Lock()
		seen = append(seen, r.FormValue("refresh_token"))
		n := len(seen)
		mu.Unlock()

		writeToken(w, tokenResponse{
			AccessToken:  "user-token",
			RefreshToken: "rotated-" + string(rune('0'+n)),
			ExpiresIn:    3600,
		})
	})

	ts, err := New(Config{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "secret", RefreshToken: "initial"}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("first token: %v", err)
	}
	if _, err := ts.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("force refresh: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "initial" || seen[1] != "rotated-1" {
		t.Errorf("refresh tokens sent: got %v, want [initial rotated-1]", seen)
	}
}

func TestTokenSource_RefreshGrantSendsScope(t *testing.T) {
	t.Parallel()

	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("grant_type") != GrantRefreshToken {
			t.Errorf("grant_type: got %q, want %q", r.FormValue("grant_type"), GrantRefreshToken)
		}
		if r.FormValue("scope") != SMTPScope {
			t.Errorf("scope: got %q, want %q", r.FormValue("scope"), SMTPScope)
		}
		writeToken(w, tokenResponse{AccessToken: "smtp-token", ExpiresIn: 3600})
	})

	ts, err := New(Config{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "secret", Scope: SMTPScope, RefreshToken: "rt"}, srv.Client())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
}

func TestTokenSource_CachesToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeToken(w, tokenResponse{AccessToken: "cached", ExpiresIn: 3600})
	})

	ts, _ := New(Config{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "secret"}, srv.Client())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := ts.Token(context.Background()); err != nil || tok != "cached" {
				t.Errorf("Token: got %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("server calls: got %d, want 1", calls.Load())
	}
}

func TestTokenSource_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// 1s minus the 5 minute buffer is already expired.
		writeToken(w, tokenResponse{AccessToken: "short", ExpiresIn: 1})
	})

	ts, _ := New(Config{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "secret"}, srv.Client())
	ts.Token(context.Background())
	ts.Token(context.Background())

	if calls.Load() != 2 {
		t.Errorf("server calls: got %d, want 2", calls.Load())
	}
}

func TestTokenSource_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusBadRequest, `{"error":"invalid_grant"}`},
		{"bad json", http.StatusOK, `not json`},
		{"missing token", http.StatusOK, `{"expires_in":3600}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			ts, _ := New(Config{TokenURL: srv.URL, ClientID: "cid", ClientSecret: "secret"}, srv.Client())
			if _, err := ts.Token(context.Background()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNew_IncompleteCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TokenURL: "https://example.com", ClientID: "cid"}, nil)
	if !errors.Is(err, ErrIncompleteCredentials) {
		t.Errorf("got %v, want ErrIncompleteCredentials", err)
	}
}

func TestMicrosoftTokenURL(t *testing.T) {
	t.Parallel()

	if got, want := MicrosoftTokenURL(""), "https://login.microsoftonline.com/common/oauth2/v2.0/token"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := MicrosoftTokenURL("tid-123"), "https://login.microsoftonline.com/tid-123/oauth2/v2.0/token"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
