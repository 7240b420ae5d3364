package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// MockSlackServer mocks the Slack Web API. Paths are method names
// ("/chat.postMessage"); unhandled methods answer {"ok":false,"error":"unknown_method"}.
type MockSlackServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string][]url.Values
}

// NewMockSlackServer creates a mock Slack API server closed on test cleanup.
// auth.test answers for bot user UBOT in team T1 unless overridden.
func NewMockSlackServer(t *testing.T) *MockSlackServer {
	t.Helper()
	m := &MockSlackServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string][]url.Values),
	}
	m.Reply("/auth.test", map[string]any{"ok": true, "user_id": "UBOT", "team_id": "T1", "bot_id": "B1"})
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.record(r)
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		writeJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
	}))
	t.Cleanup(m.Close)
	return m
}

// APIURL is the value to pass as the client API base URL.
func (m *MockSlackServer) APIURL() string { return m.URL + "/" }

// Reply makes method answer with body.
func (m *MockSlackServer) Reply(method string, body map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[method] = func(w http.ResponseWriter, r *http.Request) { writeJSON(w, body) }
}

// Fail makes method answer with a Slack error code.
func (m *MockSlackServer) Fail(method, code string) {
	m.Reply(method, map[string]any{"ok": false, "error": code})
}

// Calls returns the parameters of every request made to method.
func (m *MockSlackServer) Calls(method string) []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.calls[method]...)
}

func (m *MockSlackServer) record(r *http.Request) {
	vals := url.Values{}
	for k, v := range r.URL.Query() {
		vals[k] = v
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, _ := io.ReadAll(r.Body)
		var obj map[string]any
		if json.Unmarshal(body, &obj) == nil {
			for k, v := range obj {
				b, _ := json.Marshal(v)
				s := string(b)
				if str, ok := v.(string); ok {
					s = str
				}
				vals.Set(k, s)
			}
		}
	} else if err := r.ParseForm(); err == nil {
		for k, v := range r.PostForm {
			vals[k] = v
		}
	}
	m.mu.Lock()
	m.calls[r.URL.Path] = append(m.calls[r.URL.Path], vals)
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}
