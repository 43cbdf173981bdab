package httpapi

import (
	"net/http"
	"testing"
)

func TestUserResource(t *testing.T) {
	env := newTestEnv(t)

	var created userResponse
	status := env.do(t, http.MethodPost, "/v1/users", map[string]string{"name": "Ada", "email": "ada@example.com"}, &created)
	if status != http.StatusCreated || created.ID == "" || created.Agents == nil {
		t.Fatalf("create user = %d %+v", status, created)
	}

	var errBody errorResponse
	status = env.do(t, http.MethodPost, "/v1/users", map[string]string{"name": "Ada 2", "email": "ADA@example.com"}, &errBody)
	if status != http.StatusBadRequest || errBody.Error == "" {
		t.Fatalf("duplicate email = %d %+v, want 400", status, errBody)
	}
	status = env.do(t, http.MethodPost, "/v1/users", map[string]string{"name": "Bob", "email": "not-an-email"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("invalid email status = %d, want 400", status)
	}

	var agent map[string]any
	status = env.do(t, http.MethodPost, "/v1/agents", map[string]string{"userId": created.ID, "name": "Front desk"}, &agent)
	if status != http.StatusCreated {
		t.Fatalf("create agent status = %d", status)
	}

	var got userResponse
	if status := env.do(t, http.MethodGet, "/v1/users/"+created.ID, nil, &got); status != http.StatusOK {
		t.Fatalf("get user status = %d", status)
	}
	if got.Email != "ada@example.com" || len(got.Agents) != 1 || got.Agents[0].ID != agent["id"] {
		t.Fatalf("user = %+v, want one agent %v", got, agent["id"])
	}

	var all []userResponse
	env.do(t, http.MethodGet, "/v1/users", nil, &all)
	if len(all) != 1 || len(all[0].Agents) != 1 {
		t.Fatalf("users = %+v, want one user with one agent", all)
	}

	errBody = errorResponse{}
	if status := env.do(t, http.MethodGet, "/v1/users/missing", nil, &errBody); status != http.StatusNotFound || errBody.Error != "User not found" {
		t.Fatalf("missing user = %d %+v", status, errBody)
	}
}
