package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tanklog/internal/core"
	"tanklog/internal/session"
	"tanklog/internal/storage"
)

type fakeCars struct {
	byID map[int64]core.Car
	next int64
}

func newFakeCars() *fakeCars {
	return &fakeCars{byID: make(map[int64]core.Car)}
}

func (f *fakeCars) Cars(ctx context.Context) ([]core.Car, error) {
	out := make([]core.Car, 0, len(f.byID))
	for _, c := range f.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeCars) Car(ctx context.Context, id int64) (core.Car, error) {
	c, ok := f.byID[id]
	if !ok {
		return core.Car{}, storage.ErrNotFound
	}
	return c, nil
}

func (f *fakeCars) CreateCar(ctx context.Context, c core.Car) (core.Car, error) {
	f.next++
	c.ID = f.next
	f.byID[c.ID] = c
	return c, nil
}

func (f *fakeCars) UpdateCar(ctx context.Context, c core.Car) (core.Car, error) {
	if _, ok := f.byID[c.ID]; !ok {
		return core.Car{}, storage.ErrNotFound
	}
	f.byID[c.ID] = c
	return c, nil
}

func (f *fakeCars) ArchiveCar(ctx context.Context, id int64) error {
	c, ok := f.byID[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.IsArchived = true
	f.byID[id] = c
	return nil
}

type fakeLogs struct {
	byID      map[int64]core.RefuelLog
	versions  map[int64]int64
	next      int64
	listCalls int
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{byID: make(map[int64]core.RefuelLog), versions: make(map[int64]int64)}
}

func (f *fakeLogs) Logs(ctx context.Context) ([]core.RefuelLog, error) {
	f.listCalls++
	out := make([]core.RefuelLog, 0, len(f.byID))
	for _, l := range f.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeLogs) Log(ctx context.Context, id int64) (core.RefuelLog, error) {
	l, ok := f.byID[id]
	if !ok {
		return core.RefuelLog{}, storage.ErrNotFound
	}
	return l, nil
}

func (f *fakeLogs) CreateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error) {
	f.next++
	l.ID = f.next
	f.byID[l.ID] = l
	f.versions[l.ID] = 1
	return l, nil
}

func (f *fakeLogs) UpdateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error) {
	if _, ok := f.byID[l.ID]; !ok {
		return core.RefuelLog{}, storage.ErrNotFound
	}
	f.byID[l.ID] = l
	f.versions[l.ID]++
	return l, nil
}

func (f *fakeLogs) DeleteLog(ctx context.Context, id int64) error {
	if _, ok := f.byID[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.byID, id)
	delete(f.versions, id)
	return nil
}

func (f *fakeLogs) LogVersion(ctx context.Context, id int64) (int64, error) {
	v, ok := f.versions[id]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return v, nil
}

type fakeCurrencies struct{}

func (fakeCurrencies) Currencies(ctx context.Context) ([]core.Currency, error) {
	return []core.Currency{
		{ID: 1, Code: "CZK", Name: "Czech Koruna"},
		{ID: 2, Code: "EUR", Name: "Euro"},
	}, nil
}

type fakeUsers struct {
	byName map[string]core.User
	hashes map[string]string
	next   int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byName: make(map[string]core.User), hashes: make(map[string]string)}
}

func (f *fakeUsers) UserByUsername(ctx context.Context, username string) (core.User, string, error) {
	u, ok := f.byName[username]
	if !ok {
		return core.User{}, "", storage.ErrNotFound
	}
	return u, f.hashes[username], nil
}

func (f *fakeUsers) CreateUser(ctx context.Context, u core.User, passwordHash string) (core.User, error) {
	if _, ok := f.byName[u.Username]; ok {
		return core.User{}, fmt.Errorf("username taken")
	}
	f.next++
	u.ID = f.next
	f.byName[u.Username] = u
	f.hashes[u.Username] = passwordHash
	return u, nil
}

func (f *fakeUsers) UpdateUser(ctx context.Context, u core.User) (core.User, error) {
	for name, existing := range f.byName {
		if existing.ID == u.ID {
			f.byName[name] = u
			return u, nil
		}
	}
	return core.User{}, storage.ErrNotFound
}

type syncEvent struct {
	id, version int64
}

type fakePublisher struct {
	syncs   []syncEvent
	deletes []int64
}

func (f *fakePublisher) PublishLogSync(ctx context.Context, id, version int64) error {
	f.syncs = append(f.syncs, syncEvent{id, version})
	return nil
}

func (f *fakePublisher) PublishLogDelete(ctx context.Context, id int64) error {
	f.deletes = append(f.deletes, id)
	return nil
}

type testEnv struct {
	server    *Server
	cars      *fakeCars
	logs      *fakeLogs
	users     *fakeUsers
	publisher *fakePublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		cars:      newFakeCars(),
		logs:      newFakeLogs(),
		users:     newFakeUsers(),
		publisher: &fakePublisher{},
	}
	env.server = NewServer(":0", Deps{
		Cars:       env.cars,
		Logs:       env.logs,
		Currencies: fakeCurrencies{},
		Users:      env.users,
		Events:     env.publisher,
		Sessions:   session.NewManager(time.Hour),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.server.Shutdown(ctx)
	})
	return env
}

func (env *testEnv) addUser(t *testing.T, username, password string) core.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	u, err := env.users.CreateUser(context.Background(), core.User{
		Username:            username,
		PreferredCurrencyID: 1,
	}, string(hash))
	if err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return u
}

func (env *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	env.server.Handler.ServeHTTP(w, r)
	return w
}

// login posts the form and returns the session cookie.
func (env *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	form := url.Values{"username": {username}, "password": {password}}
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.server.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("login: expected redirect, got %d: %s", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("login: no session cookie set")
	return nil
}

func (env *testEnv) doWithCookie(method, target string, cookie *http.Cookie, form url.Values) *httptest.ResponseRecorder {
	var r *http.Request
	if form != nil {
		r = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	env.server.Handler.ServeHTTP(w, r)
	return w
}

func TestCarAPI(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(core.Car{Brand: "Skoda", Model: "Octavia", FuelType: core.Petrol})
	w := env.do(http.MethodPost, "/api/cars", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created core.Car
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created car: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned car ID")
	}

	t.Run("invalid car is rejected", func(t *testing.T) {
		body, _ := json.Marshal(core.Car{Brand: "Skoda", FuelType: "Steam"})
		w := env.do(http.MethodPost, "/api/cars", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d", w.Code)
		}
	})

	t.Run("get returns the car", func(t *testing.T) {
		w := env.do(http.MethodGet, fmt.Sprintf("/api/cars/%d", created.ID), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var got core.Car
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("decoding car: %v", err)
		}
		if got.Brand != "Skoda" || got.Model != "Octavia" {
			t.Errorf("unexpected car: %+v", got)
		}
	})

	t.Run("missing car is 404", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/cars/999", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("delete archives instead of removing", func(t *testing.T) {
		w := env.do(http.MethodDelete, fmt.Sprintf("/api/cars/%d", created.ID), nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", w.Code)
		}
		w = env.do(http.MethodGet, fmt.Sprintf("/api/cars/%d", created.ID), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("archived car should still load, got %d", w.Code)
		}
		var got core.Car
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("decoding car: %v", err)
		}
		if !got.IsArchived {
			t.Error("expected car to be archived")
		}
	})
}

func TestLogAPI(t *testing.T) {
	env := newTestEnv(t)

	validLog := core.RefuelLog{CarID: 1, Date: "2024-03-15", Mileage: 420.5, Liters: 38.2, Price: 1450, CurrencyID: 1}

	body, _ := json.Marshal(validLog)
	w := env.do(http.MethodPost, "/api/logs", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created core.RefuelLog
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created log: %v", err)
	}

	t.Run("create publishes a sync event", func(t *testing.T) {
		if len(env.publisher.syncs) != 1 {
			t.Fatalf("expected 1 sync event, got %d", len(env.publisher.syncs))
		}
		got := env.publisher.syncs[0]
		if got.id != created.ID || got.version != 1 {
			t.Errorf("unexpected sync event: %+v", got)
		}
	})

	t.Run("update publishes the bumped version", func(t *testing.T) {
		updated := created
		updated.Price = 1500
		body, _ := json.Marshal(updated)
		w := env.do(http.MethodPut, fmt.Sprintf("/api/logs/%d", created.ID), body)
		if w.Code != http.StatusOK {
			t.Fatalf("update: expected 200, got %d: %s", w.Code, w.Body.String())
		}
		last := env.publisher.syncs[len(env.publisher.syncs)-1]
		if last.id != created.ID || last.version != 2 {
			t.Errorf("unexpected sync event after update: %+v", last)
		}
	})

	t.Run("invalid log is rejected", func(t *testing.T) {
		bad := validLog
		bad.Liters = 0
		body, _ := json.Marshal(bad)
		w := env.do(http.MethodPost, "/api/logs", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d", w.Code)
		}
	})

	t.Run("delete publishes a delete event", func(t *testing.T) {
		w := env.do(http.MethodDelete, fmt.Sprintf("/api/logs/%d", created.ID), nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("delete: expected 204, got %d", w.Code)
		}
		if len(env.publisher.deletes) != 1 || env.publisher.deletes[0] != created.ID {
			t.Errorf("unexpected delete events: %v", env.publisher.deletes)
		}
	})
}

func TestListLogsUsesFilterCache(t *testing.T) {
	env := newTestEnv(t)

	seed := core.RefuelLog{CarID: 1, Date: "2024-01-10", Mileage: 300, Liters: 25, Price: 900, CurrencyID: 1}
	body, _ := json.Marshal(seed)
	if w := env.do(http.MethodPost, "/api/logs", body); w.Code != http.StatusCreated {
		t.Fatalf("seeding log: %d", w.Code)
	}

	calls := env.logs.listCalls
	env.do(http.MethodGet, "/api/logs", nil)
	env.do(http.MethodGet, "/api/logs", nil)
	if got := env.logs.listCalls - calls; got != 1 {
		t.Errorf("expected 1 backing load for repeated reads, got %d", got)
	}

	// A mutation must drop the cached filter result.
	body, _ = json.Marshal(core.RefuelLog{CarID: 1, Date: "2024-02-01", Mileage: 200, Liters: 18, Price: 700, CurrencyID: 1})
	if w := env.do(http.MethodPost, "/api/logs", body); w.Code != http.StatusCreated {
		t.Fatalf("second log: %d", w.Code)
	}
	calls = env.logs.listCalls
	w := env.do(http.MethodGet, "/api/logs", nil)
	if got := env.logs.listCalls - calls; got != 1 {
		t.Errorf("expected cache rebuild after mutation, got %d loads", got)
	}
	var logs []core.RefuelLog
	if err := json.Unmarshal(w.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decoding logs: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("expected 2 logs after mutation, got %d", len(logs))
	}
}

func TestAPILogin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "marek", "correct horse")

	t.Run("valid credentials", func(t *testing.T) {
		body, _ := json.Marshal(loginRequest{Username: "marek", Password: "correct horse"})
		w := env.do(http.MethodPost, "/api/login", body)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var u core.User
		if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
			t.Fatalf("decoding user: %v", err)
		}
		if u.Username != "marek" {
			t.Errorf("unexpected user: %+v", u)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		body, _ := json.Marshal(loginRequest{Username: "marek", Password: "nope"})
		w := env.do(http.MethodPost, "/api/login", body)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "invalid credentials") {
			t.Errorf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		body, _ := json.Marshal(loginRequest{Username: "ghost", Password: "anything"})
		w := env.do(http.MethodPost, "/api/login", body)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("disabled account", func(t *testing.T) {
		u := env.addUser(t, "dormant", "sleeping beauty")
		u.IsDisabled = true
		if _, err := env.users.UpdateUser(context.Background(), u); err != nil {
			t.Fatalf("disabling user: %v", err)
		}
		body, _ := json.Marshal(loginRequest{Username: "dormant", Password: "sleeping beauty"})
		w := env.do(http.MethodPost, "/api/login", body)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})
}

func TestViewsRequireLogin(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/logs", "/analytics", "/map", "/cars", "/profile"} {
		w := env.do(http.MethodGet, target, nil)
		if w.Code != http.StatusSeeOther {
			t.Errorf("%s: expected redirect, got %d", target, w.Code)
			continue
		}
		if loc := w.Header().Get("Location"); loc != "/login" {
			t.Errorf("%s: expected redirect to /login, got %s", target, loc)
		}
	}
}

func TestLoginFlowAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "marek", "correct horse")

	if _, err := env.cars.CreateCar(context.Background(), core.Car{Brand: "Skoda", Model: "Octavia", FuelType: core.Petrol}); err != nil {
		t.Fatalf("seeding car: %v", err)
	}
	if _, err := env.logs.CreateLog(context.Background(), core.RefuelLog{
		CarID: 1, Date: "2024-03-15", Mileage: 420.5, Liters: 38.2, Price: 1450, CurrencyID: 2,
	}); err != nil {
		t.Fatalf("seeding log: %v", err)
	}

	cookie := env.login(t, "marek", "correct horse")

	w := env.doWithCookie(http.MethodGet, "/logs", cookie, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "2024-03-15") {
		t.Error("history should list the seeded log date")
	}
	if !strings.Contains(body, "Skoda Octavia") {
		t.Error("history should resolve the car label")
	}
	if !strings.Contains(body, "EUR") {
		t.Error("history should resolve the currency code")
	}

	t.Run("wrong password re-renders the form", func(t *testing.T) {
		form := url.Values{"username": {"marek"}, "password": {"nope"}}
		r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		env.server.Handler.ServeHTTP(rec, r)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Invalid username or password") {
			t.Error("expected the form error message")
		}
	})

	t.Run("logout drops the session", func(t *testing.T) {
		w := env.doWithCookie(http.MethodGet, "/logout", cookie, nil)
		if w.Code != http.StatusSeeOther {
			t.Fatalf("logout: expected redirect, got %d", w.Code)
		}
		w = env.doWithCookie(http.MethodGet, "/logs", cookie, nil)
		if w.Code != http.StatusSeeOther {
			t.Errorf("expected redirect after logout, got %d", w.Code)
		}
	})
}

func TestMapStashHandoff(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "marek", "correct horse")

	lat, lon := 50.08, 14.43
	if _, err := env.logs.CreateLog(context.Background(), core.RefuelLog{
		CarID: 1, Date: "2024-03-15", Mileage: 420, Liters: 38, Price: 1450, CurrencyID: 1,
		Lat: &lat, Lon: &lon,
	}); err != nil {
		t.Fatalf("seeding log: %v", err)
	}
	if _, err := env.logs.CreateLog(context.Background(), core.RefuelLog{
		CarID: 1, Date: "2024-05-02", Mileage: 300, Liters: 30, Price: 1100, CurrencyID: 1,
	}); err != nil {
		t.Fatalf("seeding second log: %v", err)
	}

	cookie := env.login(t, "marek", "correct horse")

	w := env.doWithCookie(http.MethodPost, "/map?from=2024-03-01&to=2024-03-31", cookie, url.Values{})
	if w.Code != http.StatusSeeOther {
		t.Fatalf("stash: expected redirect, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/map" {
		t.Fatalf("expected redirect to /map, got %s", loc)
	}

	w = env.doWithCookie(http.MethodGet, "/map", cookie, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("map: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "2024-03-15") {
		t.Error("map data should carry the in-range log")
	}
	if strings.Contains(body, "2024-05-02") {
		t.Error("map data should not carry the filtered-out log")
	}
}

func TestRegisterFlow(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{
		"username": {"newbie"},
		"password": {"longenough"},
		"confirm":  {"longenough"},
	}
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.server.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("register: expected redirect, got %d: %s", w.Code, w.Body.String())
	}
	if _, _, err := env.users.UserByUsername(context.Background(), "newbie"); err != nil {
		t.Fatalf("user should exist after registration: %v", err)
	}

	t.Run("password mismatch is rejected", func(t *testing.T) {
		form := url.Values{
			"username": {"other"},
			"password": {"longenough"},
			"confirm":  {"different1"},
		}
		r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		env.server.Handler.ServeHTTP(w, r)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected 422, got %d", w.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", w.Code)
	}
	w := env.do(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tanklog_requests_total") {
		t.Error("metrics should expose the request counter")
	}
}
