package userclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"motochat/pkg/domain"
)

func userServer(t *testing.T, users map[string]map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/internal/users/"):]
		u, ok := users[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(u)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFindUserNormalizesRole(t *testing.T) {
	srv := userServer(t, map[string]map[string]string{
		"s1": {"id": "s1", "role": " Staff", "name": "Sam"},
	})
	u, err := NewClient(srv.URL, nil).FindUser(context.Background(), "s1")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if u.Role != domain.RoleStaff || u.Name != "Sam" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestFindUserRejectsUnknownRole(t *testing.T) {
	srv := userServer(t, map[string]map[string]string{
		"x1": {"id": "x1", "role": "mechanic"},
	})
	_, err := NewClient(srv.URL, nil).FindUser(context.Background(), "x1")
	if !errors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	srv := userServer(t, nil)
	_, err := NewClient(srv.URL, nil).FindUser(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
