package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/oauth"
)

type fakeInstaller struct {
	installed  *oauth.Installation
	begun      int
	loggedOut  int
	completeFn func(code, state string) (oauth.Installation, error)
}

func (f *fakeInstaller) BeginInstall(context.Context) (string, error) {
	f.begun++
	return oauth.AuthorizeURL + "?client_id=c1&state=s1", nil
}

func (f *fakeInstaller) CompleteInstall(_ context.Context, code, state string) (oauth.Installation, error) {
	return f.completeFn(code, state)
}

func (f *fakeInstaller) Installation(context.Context) (oauth.Installation, bool, error) {
	if f.installed == nil {
		return oauth.Installation{}, false, nil
	}
	return *f.installed, true, nil
}

func (f *fakeInstaller) Logout(context.Context) error {
	f.loggedOut++
	f.installed = nil
	return nil
}

func get(router http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestInstall_RedirectsToAuthorizeWhenNotInstalled(t *testing.T) {
	installer := &fakeInstaller{}
	rec := get(NewRouter(nil, WithInstaller(installer)), InstallPath)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if location := rec.Header().Get("Location"); !strings.HasPrefix(location, oauth.AuthorizeURL) {
		t.Fatalf("expected authorize redirect, got %q", location)
	}
}

func TestInstall_ShowsInstalledPageUnlessReinstall(t *testing.T) {
	installer := &fakeInstaller{installed: &oauth.Installation{AppID: "A123"}}
	router := NewRouter(nil, WithInstaller(installer))

	rec := get(router, InstallPath)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "OK!") {
		t.Fatalf("unexpected installed page %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "/apps/A123/slash-commands") {
		t.Fatalf("expected app links on installed page: %s", rec.Body.String())
	}
	if installer.begun != 0 {
		t.Fatalf("installed page must not start a new install")
	}

	rec = get(router, InstallPath+"?reinstall")
	if rec.Code != http.StatusFound || installer.begun != 1 {
		t.Fatalf("expected reinstall redirect, got %d begun=%d", rec.Code, installer.begun)
	}
}

func TestInstall_Logout(t *testing.T) {
	installer := &fakeInstaller{installed: &oauth.Installation{AppID: "A123"}}
	rec := get(NewRouter(nil, WithInstaller(installer)), InstallPath+"?logout")
	if rec.Code != http.StatusOK || installer.loggedOut != 1 || installer.installed != nil {
		t.Fatalf("expected logout, got %d loggedOut=%d", rec.Code, installer.loggedOut)
	}
}

func TestCallback_Success(t *testing.T) {
	installer := &fakeInstaller{completeFn: func(code, state string) (oauth.Installation, error) {
		if code != "c1" || state != "s1" {
			t.Fatalf("unexpected code=%q state=%q", code, state)
		}
		return oauth.Installation{AppID: "A123"}, nil
	}}
	rec := get(NewRouter(nil, WithInstaller(installer)), CallbackPath+"?code=c1&state=s1")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/apps/A123/event-subscriptions") {
		t.Fatalf("unexpected callback page %d %s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestCallback_DeniedAndInvalidState(t *testing.T) {
	installer := &fakeInstaller{completeFn: func(string, string) (oauth.Installation, error) {
		return oauth.Installation{}, core.WrapError(oauth.ErrInvalidState, goerrors.CategoryAuth, core.ErrorInvalidOAuthState, "bad state", nil)
	}}
	router := NewRouter(nil, WithInstaller(installer))

	rec := get(router, CallbackPath+"?error=access_denied&state=s1")
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "Denied") {
		t.Fatalf("expected denial page, got %d %s", rec.Code, rec.Body.String())
	}
	rec = get(router, CallbackPath+"?code=c1&state=replayed")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for invalid state, got %d", rec.Code)
	}
}

func TestCallback_ExchangeFailure(t *testing.T) {
	installer := &fakeInstaller{completeFn: func(string, string) (oauth.Installation, error) {
		return oauth.Installation{}, core.WrapError(errors.New("invalid_code"), goerrors.CategoryExternal, core.ErrorExternalFailed, "exchange failed", nil)
	}}
	rec := get(NewRouter(nil, WithInstaller(installer)), CallbackPath+"?code=bad&state=s1")
	if rec.Code < 400 || !strings.Contains(rec.Body.String(), core.ErrorExternalFailed) {
		t.Fatalf("expected error envelope, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestInstallRoutesAbsentWithoutInstaller(t *testing.T) {
	if rec := get(NewRouter(nil), InstallPath); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without installer, got %d", rec.Code)
	}
}
