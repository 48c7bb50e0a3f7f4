package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, r *http.Request) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var got string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = UserIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return got, w
}

func TestMiddlewareUsesHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(UserHeaderName, "learner-42")

	got, w := serve(t, r)
	if got != "learner-42" {
		t.Errorf("expected header identity, got %q", got)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("no cookie expected when the header identifies the user")
	}
}

func TestMiddlewareIssuesAnonCookie(t *testing.T) {
	got, w := serve(t, httptest.NewRequest(http.MethodGet, "/", nil))
	if !isValidAnonID(got) {
		t.Fatalf("expected anonymous id, got %q", got)
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != got {
		t.Fatalf("expected anon cookie for %s, got %+v", got, cookies)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	again, _ := serve(t, r)
	if again != got {
		t.Errorf("cookie identity not reused: %q vs %q", again, got)
	}
}

func TestMiddlewareRejectsMalformedIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(UserHeaderName, "bad id with spaces")
	r.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_not-hex"})

	got, _ := serve(t, r)
	if !isValidAnonID(got) {
		t.Errorf("expected a fresh anonymous id, got %q", got)
	}
}
