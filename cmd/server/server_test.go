package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/events"
	"github.com/gnur/bookdesk/identity"
	"github.com/gnur/bookdesk/notify"
	"github.com/gnur/bookdesk/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminEmail = "admin@example.com"
	vapidKey   = "vapid-public"
)

type fakeAccount struct {
	uid      string
	password string
}

type fakeIdentity struct {
	accounts    map[string]fakeAccount
	created     []credentials
	signIns     []credentials
	verifyCalls int
	signOuts    []string
	verifyErr   error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{accounts: make(map[string]fakeAccount)}
}

func (f *fakeIdentity) add(email, password string) string {
	uid := "uid-" + strings.Split(email, "@")[0]
	f.accounts[bookdesk.NormalizeEmail(email)] = fakeAccount{uid: uid, password: password}
	return uid
}

func (f *fakeIdentity) account(email string) *identity.Account {
	email = bookdesk.NormalizeEmail(email)
	a := f.accounts[email]
	return &identity.Account{UID: a.uid, Email: email, IDToken: "tok-" + email}
}

func (f *fakeIdentity) CreateAccount(ctx context.Context, email, password string) (*identity.Account, error) {
	if _, ok := f.accounts[bookdesk.NormalizeEmail(email)]; ok {
		return nil, bookdesk.ErrEmailInUse
	}
	f.created = append(f.created, credentials{Email: email, Password: password})
	f.add(email, password)
	return f.account(email), nil
}

func (f *fakeIdentity) SignIn(ctx context.Context, email, password string) (*identity.Account, error) {
	f.signIns = append(f.signIns, credentials{Email: email, Password: password})
	a, ok := f.accounts[bookdesk.NormalizeEmail(email)]
	if !ok {
		return nil, bookdesk.ErrUserNotFound
	}
	if a.password != password {
		return nil, bookdesk.ErrWrongPassword
	}
	return f.account(email), nil
}

func (f *fakeIdentity) VerifyIDToken(ctx context.Context, idToken string) (*identity.Account, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	email := strings.TrimPrefix(idToken, "tok-")
	if _, ok := f.accounts[email]; !ok || email == idToken {
		return nil, bookdesk.ErrInvalidToken
	}
	return f.account(email), nil
}

func (f *fakeIdentity) SessionCookie(ctx context.Context, idToken string, ttl time.Duration) (string, error) {
	return "cookie-" + strings.TrimPrefix(idToken, "tok-"), nil
}

func (f *fakeIdentity) VerifySessionCookie(ctx context.Context, cookie string) (*identity.Account, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	email := strings.TrimPrefix(cookie, "cookie-")
	if _, ok := f.accounts[email]; !ok || email == cookie {
		return nil, bookdesk.ErrInvalidToken
	}
	return f.account(email), nil
}

func (f *fakeIdentity) SignOut(ctx context.Context, uid string) error {
	f.signOuts = append(f.signOuts, uid)
	return nil
}

type fakeDispatcher struct {
	got []notify.Notification
	err error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, n notify.Notification) (notify.Report, error) {
	f.got = append(f.got, n)
	if f.err != nil {
		return notify.Report{}, f.err
	}
	return notify.Report{Sent: 1}, nil
}

type testEnv struct {
	app    *bookdeskApp
	db     store.Store
	idp    *fakeIdentity
	disp   *fakeDispatcher
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	logger := logrus.NewEntry(l)

	db, err := store.Open(context.Background(), "file://"+t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	policy, err := bookdesk.NewPolicy("email", adminEmail)
	require.NoError(t, err)

	worker, err := notify.RenderWorker(notify.WebConfig{ProjectID: "demo"}, "")
	require.NoError(t, err)

	env := &testEnv{
		db:   db,
		idp:  newFakeIdentity(),
		disp: &fakeDispatcher{},
	}
	env.app = &bookdeskApp{
		db:         db,
		identity:   env.idp,
		policy:     policy,
		broker:     events.NewBroker(4, logger),
		registrar:  notify.NewRegistrar(db, vapidKey, logger),
		dispatcher: env.disp,
		worker:     worker,
		logger:     logger,
		sessionTTL: time.Hour,
		cfg:        configuration{Version: "test"},
	}
	env.router = env.app.router()
	return env
}

func (e *testEnv) do(method, path, body, bearer string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer tok-"+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestSignupWithRegisteredEmailSignsIn(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add("reader@example.com", "hunter22")

	w := env.do("POST", "/signup", `{"email":"reader@example.com","password":"hunter22"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, alertEmailInUse, resp["alert"])
	require.Len(t, env.idp.signIns, 1)
	assert.Equal(t, credentials{Email: "reader@example.com", Password: "hunter22"}, env.idp.signIns[0])
	assert.Contains(t, w.Header().Get("Set-Cookie"), sessionCookie+"=cookie-reader%40example.com")

	_, err := env.db.GetUserByEmail(context.Background(), "reader@example.com")
	assert.NoError(t, err)
}

func TestSignupAndLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		alert  string
	}{
		{"signup existing with wrong password", "/signup", `{"email":"reader@example.com","password":"nope"}`, http.StatusUnauthorized, alertLoginFailed},
		{"signup empty", "/signup", `{"email":" ","password":"x"}`, http.StatusBadRequest, bookdesk.ErrEmptyCredentials.Error()},
		{"login unknown user", "/login", `{"email":"ghost@example.com","password":"x"}`, http.StatusUnauthorized, alertLoginFailed},
		{"login wrong password", "/login", `{"email":"reader@example.com","password":"x"}`, http.StatusUnauthorized, alertLoginFailed},
		{"login empty", "/login", `{"email":"reader@example.com","password":"  "}`, http.StatusBadRequest, bookdesk.ErrEmptyCredentials.Error()},
		{"google invalid token", "/login/google", `{"idToken":"forged"}`, http.StatusUnauthorized, alertGoogleFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.idp.add("reader@example.com", "hunter22")

			w := env.do("POST", tc.path, tc.body, "")
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.alert, decode(t, w)["alert"])
		})
	}
}

func TestLoginCreatesRecords(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add(adminEmail, "s3cret")
	env.idp.add("reader@example.com", "hunter22")
	ctx := context.Background()

	w := env.do("POST", "/login", `{"email":"admin@example.com","password":"s3cret"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["isAdmin"])

	w = env.do("POST", "/login", `{"email":"reader@example.com","password":"hunter22"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["isAdmin"])

	admin, err := env.db.GetUserByEmail(ctx, adminEmail)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)

	reader, err := env.db.GetUserByEmail(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.False(t, reader.IsAdmin)
}

func TestGuards(t *testing.T) {
	tests := []struct {
		name      string
		bearer    string
		path      string
		html      bool
		flagAdmin bool
		verifyErr error
		status    int
		location  string
	}{
		{"anonymous api", "", "/auth/me", false, false, nil, http.StatusUnauthorized, ""},
		{"anonymous page", "", "/auth/me", true, false, nil, http.StatusFound, "/login"},
		{"member on auth route", "reader@example.com", "/auth/me", false, false, nil, http.StatusOK, ""},
		{"member on admin route", "reader@example.com", "/admin/users", false, false, nil, http.StatusForbidden, ""},
		{"member page on admin route", "reader@example.com", "/admin/users", true, false, nil, http.StatusFound, "/?alert="},
		{"stored flag does not make an admin", "reader@example.com", "/admin/users", false, true, nil, http.StatusForbidden, ""},
		{"admin", adminEmail, "/admin/users", false, false, nil, http.StatusOK, ""},
		{"backend unreachable", "reader@example.com", "/auth/me", false, false, errors.New("connection refused"), http.StatusServiceUnavailable, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			uid := env.idp.add("reader@example.com", "hunter22")
			env.idp.add(adminEmail, "s3cret")
			if tc.flagAdmin {
				require.NoError(t, env.db.SaveUser(ctx, &bookdesk.User{UID: uid, Email: "reader@example.com", IsAdmin: true}))
			}
			env.idp.verifyErr = tc.verifyErr

			var headers []string
			if tc.html {
				headers = []string{"Accept", "text/html,application/xhtml+xml"}
			}
			w := env.do("GET", tc.path, "", tc.bearer, headers...)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			if tc.location != "" {
				assert.True(t, strings.HasPrefix(w.Header().Get("Location"), tc.location), w.Header().Get("Location"))
			}
			if tc.status == http.StatusForbidden {
				assert.Equal(t, bookdesk.NotAuthorizedAlert, decode(t, w)["msg"])
			}
		})
	}
}

func TestSessionCookieIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add("reader@example.com", "hunter22")

	req := httptest.NewRequest("GET", "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: "cookie-reader@example.com"})
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)["user"].(map[string]interface{})
	assert.Equal(t, "reader@example.com", user["email"])
}

func TestListingsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	alice := env.idp.add("alice@example.com", "pw")
	env.idp.add("bob@example.com", "pw")

	w := env.do("POST", "/auth/books", `{"name":"Dune","isbn":"978-0-306-40615-7","price":"9.5"}`, "alice@example.com")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, true, created["success"])

	var resp bookResponse
	w = env.do("GET", "/auth/books", "", "alice@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Books, 1)
	assert.Equal(t, created["id"], resp.Books[0].ID)
	assert.Equal(t, alice, resp.Books[0].OwnerUID)
	assert.Equal(t, "alice@example.com", resp.Books[0].OwnerEmail)
	assert.Equal(t, "9.50", resp.Books[0].Price)

	w = env.do("GET", "/auth/books?q=dune", "", "alice@example.com")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Books, 1)

	w = env.do("GET", "/auth/books", "", "bob@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Books)
	assert.Equal(t, 0, resp.TotalCount)
}

func TestAddBookValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad isbn", `{"name":"Dune","isbn":"123","price":"1"}`, bookdesk.ErrInvalidISBN.Error()},
		{"negative price", `{"name":"Dune","isbn":"0306406152","price":"-1"}`, bookdesk.ErrInvalidPrice.Error()},
		{"no name", `{"name":"<b></b>","isbn":"0306406152","price":"1"}`, bookdesk.ErrEmptyName.Error()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.idp.add("alice@example.com", "pw")

			w := env.do("POST", "/auth/books", tc.body, "alice@example.com")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode(t, w)
			assert.Equal(t, false, resp["success"])
			assert.Contains(t, resp["error"], tc.want)
		})
	}
}

func TestAdminUserManagement(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add(adminEmail, "s3cret")
	ctx := context.Background()

	var lists userLists
	w := env.do("POST", "/admin/users", `{"email":"New@Example.com","isAdmin":true}`, adminEmail)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lists))
	require.Len(t, lists.Admins, 2)
	assert.Empty(t, lists.Members)

	// a duplicate is logged and the lists come back unchanged
	w = env.do("POST", "/admin/users", `{"email":"new@example.com"}`, adminEmail)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lists))
	assert.Len(t, lists.Admins, 2)

	// first sign-in moves the provisioned record to the firebase uid
	uid := env.idp.add("new@example.com", "pw")
	w = env.do("GET", "/auth/me", "", "new@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	u, err := env.db.GetUserByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, uid, u.UID)
	assert.True(t, u.IsAdmin)
	users, err := env.db.GetUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	w = env.do("POST", "/admin/users/"+uid+"/admin", `{"isAdmin":false}`, adminEmail)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lists))
	assert.Len(t, lists.Admins, 1)
	assert.Len(t, lists.Members, 1)

	w = env.do("DELETE", "/admin/users/"+uid, "", adminEmail)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lists))
	assert.Len(t, lists.Admins, 1)
	assert.Empty(t, lists.Members)

	// deleting twice is swallowed as well
	w = env.do("DELETE", "/admin/users/"+uid, "", adminEmail)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterNotifications(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		saved bool
	}{
		{"granted", `{"permission":"granted","token":"fcm-1","vapidKey":"vapid-public"}`, true},
		{"denied", `{"permission":"denied","token":"fcm-1","vapidKey":"vapid-public"}`, false},
		{"other key", `{"permission":"granted","token":"fcm-1","vapidKey":"stale"}`, false},
		{"no token", `{"permission":"granted","vapidKey":"vapid-public"}`, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.idp.add("reader@example.com", "pw")

			w := env.do("POST", "/auth/notifications/register", tc.body, "reader@example.com")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tc.saved, decode(t, w)["saved"])

			tok, err := env.db.GetToken(context.Background(), "reader@example.com")
			if !tc.saved {
				assert.ErrorIs(t, err, bookdesk.ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "fcm-1", tok.Token)
			assert.False(t, tok.IsAdmin)
		})
	}
}

func TestNotificationConfigAndWorker(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add("reader@example.com", "pw")

	w := env.do("GET", "/auth/notifications/config", "", "reader@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, vapidKey, decode(t, w)["vapidKey"])

	w = env.do("GET", "/firebase-messaging-sw.js", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, w.Body.String(), "/default-icon.png")
}

func TestAdminNotify(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add(adminEmail, "s3cret")

	w := env.do("POST", "/admin/notify", `{"email":"reader@example.com","title":"Hi","body":"New books"}`, adminEmail)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.disp.got, 1)
	assert.Equal(t, "Hi", env.disp.got[0].Title)

	w = env.do("POST", "/admin/notify", `{"email":"reader@example.com","title":"Hi"}`, adminEmail)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	env.disp.err = notify.ErrNoToken
	w = env.do("POST", "/admin/notify", `{"email":"ghost@example.com","title":"Hi","body":"b"}`, adminEmail)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogoutPublishesSignOut(t *testing.T) {
	env := newTestEnv(t)
	uid := env.idp.add("reader@example.com", "pw")
	sub := env.app.broker.Subscribe("reader@example.com")
	defer sub.Close()

	w := env.do("POST", "/logout", "", "reader@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/login", decode(t, w)["redirect"])
	assert.Equal(t, []string{uid}, env.idp.signOuts)
	assert.Contains(t, w.Header().Get("Set-Cookie"), sessionCookie+"=;")

	select {
	case e := <-sub.C:
		assert.Equal(t, events.KindAuth, e.Kind)
		assert.Nil(t, e.Data.(events.AuthChange).User)
	case <-time.After(time.Second):
		t.Fatal("sign-out was not published")
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", decode(t, w)["version"])
}

func TestSignupKeepsPasswordAsTyped(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/signup", `{"email":" new@example.com ","password":"  spaced pw  "}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, env.idp.created, 1)
	assert.Equal(t, credentials{Email: "new@example.com", Password: "  spaced pw  "}, env.idp.created[0])
}

func TestPublicRoutesSkipSession(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add("reader@example.com", "pw")
	ctx := context.Background()

	w := env.do("GET", "/auth/me", "", "reader@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, env.idp.verifyCalls)
	before, err := env.db.GetUserByEmail(ctx, "reader@example.com")
	require.NoError(t, err)

	for _, path := range []string{"/status", "/metrics", "/firebase-messaging-sw.js"} {
		w = env.do("GET", path, "", "reader@example.com")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	assert.Equal(t, 1, env.idp.verifyCalls)
	after, err := env.db.GetUserByEmail(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.True(t, before.LastSeen.Equal(after.LastSeen))
}

// streamRecorder lets gin's Stream run against a recorder.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	env.idp.add("reader@example.com", "pw")
	broker := env.app.broker

	req := httptest.NewRequest("GET", "/auth/events", nil)
	req.Header.Set("Authorization", "Bearer tok-reader@example.com")
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}

	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(w, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return broker.Subscribers("reader@example.com") == 1
	}, time.Second, 5*time.Millisecond)

	broker.Publish(events.Event{
		Kind: events.KindMessage,
		Key:  "reader@example.com",
		Data: notify.Notification{Title: "New book", Body: "Dune was listed"},
	})
	broker.PublishAuth("reader@example.com", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		w.closed <- true
		t.Fatal("stream did not end after sign-out")
	}

	body := w.Body.String()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, body, "event:message")
	assert.Contains(t, body, "Dune was listed")
	assert.Contains(t, body, "event:auth")
	assert.Less(t, strings.Index(body, "event:message"), strings.Index(body, "event:auth"))
	assert.Equal(t, 0, broker.Subscribers("reader@example.com"), fmt.Sprintf("subscription left open: %s", body))
}
