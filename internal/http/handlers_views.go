package http

import (
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tanklog/internal/analytics"
	"tanklog/internal/core"
	"tanklog/internal/geo"
	"tanklog/internal/session"
	"tanklog/internal/storage"
)

// Login and registration

type authPage struct {
	Errors   []string
	Username string
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "login.html", authPage{})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := sanitizeInput(r.Form.Get("username"))
	password := r.Form.Get("password")

	var problems []string
	if username == "" {
		problems = append(problems, "Username is required")
	}
	if password == "" {
		problems = append(problems, "Password is required")
	}
	if len(problems) > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.render(w, r, "login.html", authPage{Errors: problems, Username: username})
		return
	}

	u, ok := s.authenticate(r, username, password)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		s.render(w, r, "login.html", authPage{Errors: []string{"Invalid username or password"}, Username: username})
		return
	}

	s.beginSession(w, r, u)
}

// beginSession creates a session for the user, sets the cookie and lands
// on the history view.
func (s *Server) beginSession(w http.ResponseWriter, r *http.Request, u core.User) {
	token, g, err := s.sessions.Begin()
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to begin session", "error", err)
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	if err := g.SetCurrentUser(u); err != nil {
		slog.ErrorContext(r.Context(), "Failed to store session user", "error", err)
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	slog.InfoContext(r.Context(), "User logged in", "username", u.Username, "user_id", u.ID)
	http.Redirect(w, r, "/logs", http.StatusSeeOther)
}

func (s *Server) handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "register.html", authPage{})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	username := sanitizeInput(r.Form.Get("username"))
	displayName := sanitizeInput(r.Form.Get("displayName"))
	email := sanitizeInput(r.Form.Get("email"))
	password := r.Form.Get("password")
	confirm := r.Form.Get("confirm")

	var problems []string
	if len(username) < 3 {
		problems = append(problems, "Username must be at least 3 characters")
	}
	if email != "" && !core.ValidEmail(email) {
		problems = append(problems, "Email address is not valid")
	}
	if len(password) < 8 {
		problems = append(problems, "Password must be at least 8 characters")
	}
	if password != confirm {
		problems = append(problems, "Passwords do not match")
	}
	if len(problems) > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.render(w, r, "register.html", authPage{Errors: problems, Username: username})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		slog.ErrorContext(r.Context(), "Password hashing failed", "error", err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	u, err := s.users.CreateUser(r.Context(), core.User{
		Username:            username,
		DisplayName:         displayName,
		Email:               email,
		PreferredCurrencyID: 1,
	}, string(hash))
	if err != nil {
		slog.ErrorContext(r.Context(), "User creation failed", "error", err, "username", username)
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.render(w, r, "register.html", authPage{Errors: []string{"Username is already taken"}, Username: username})
		return
	}

	s.beginSession(w, r, u)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if g, err := s.sessions.Gate(c.Value); err == nil {
			g.Clear()
		}
		s.sessions.End(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// History

type historyRow struct {
	core.RefuelLog
	analytics.Metrics
	CarLabel     string
	CurrencyCode string
}

type historyPage struct {
	User     core.User
	Cars     []core.Car
	Rows     []historyRow
	Summary  analytics.Summary
	Criteria analytics.Criteria
	Sort     analytics.SortState
	SortURLs map[string]string
	MapURL   string
}

// criteriaQuery serializes the active filters so other views can reuse
// them as query parameters.
func criteriaQuery(c analytics.Criteria) url.Values {
	q := url.Values{}
	if c.CarID != analytics.AllCars {
		q.Set("car", strconv.FormatInt(c.CarID, 10))
	}
	if c.Month != "" {
		q.Set("month", c.Month)
	}
	if c.Start != "" {
		q.Set("from", c.Start)
	}
	if c.End != "" {
		q.Set("to", c.End)
	}
	return q
}

// sortURLs precomputes the header links for the history table. Clicking
// the current column flips its direction; any other column starts
// ascending.
func sortURLs(c analytics.Criteria, s analytics.SortState) map[string]string {
	out := make(map[string]string, 3)
	for _, col := range []analytics.Column{analytics.ColumnMileage, analytics.ColumnLiters, analytics.ColumnPrice} {
		next := s
		next.Toggle(col)
		q := criteriaQuery(c)
		q.Set("sort", string(next.Column))
		q.Set("dir", string(next.Direction))
		out[string(col)] = "/logs?" + q.Encode()
	}
	return out
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	c := parseCriteria(r)
	sum, logs, err := s.summaryFor(r.Context(), c)
	if err != nil {
		slog.ErrorContext(r.Context(), "History load failed", "error", err)
		http.Error(w, "failed to load logs", http.StatusInternalServerError)
		return
	}

	col, dir := parseSort(r)
	if col.Valid() {
		logs = analytics.SortLogs(logs, col, dir)
	}

	cars, err := s.cars.Cars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Car list failed", "error", err)
	}
	carLabels := make(map[int64]string, len(cars))
	for _, c := range cars {
		carLabels[c.ID] = c.Brand + " " + c.Model
	}
	currencyCodes := map[int64]string{}
	if currencies, err := s.currencies.Currencies(r.Context()); err == nil {
		for _, c := range currencies {
			currencyCodes[c.ID] = c.Code
		}
	}

	rows := make([]historyRow, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, historyRow{
			RefuelLog:    l,
			Metrics:      analytics.Derive(l),
			CarLabel:     carLabels[l.CarID],
			CurrencyCode: currencyCodes[l.CurrencyID],
		})
	}

	state := analytics.SortState{Column: col, Direction: dir}
	s.render(w, r, "history.html", historyPage{
		User:     u,
		Cars:     activeCars(cars),
		Rows:     rows,
		Summary:  sum,
		Criteria: c,
		Sort:     state,
		SortURLs: sortURLs(c, state),
		MapURL:   mapURL(c),
	})
}

// mapURL is the stash target carrying the history view's active filters.
func mapURL(c analytics.Criteria) string {
	q := criteriaQuery(c)
	if len(q) == 0 {
		return "/map"
	}
	return "/map?" + q.Encode()
}

func activeCars(cars []core.Car) []core.Car {
	out := make([]core.Car, 0, len(cars))
	for _, c := range cars {
		if !c.IsArchived {
			out = append(out, c)
		}
	}
	return out
}

// Analytics

type analyticsPage struct {
	User      core.User
	Cars      []core.Car
	Months    []string
	Summary   analytics.Summary
	Criteria  analytics.Criteria
	ChartJSON template.JS
	Count     int
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	c := parseCriteria(r)
	c.Granularity = analytics.ByMonth

	sum, logs, err := s.summaryFor(r.Context(), c)
	if err != nil {
		slog.ErrorContext(r.Context(), "Analytics load failed", "error", err)
		http.Error(w, "failed to load logs", http.StatusInternalServerError)
		return
	}

	all, err := s.logs.Logs(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Log list failed", "error", err)
		http.Error(w, "failed to load logs", http.StatusInternalServerError)
		return
	}

	chart, err := json.Marshal(analytics.ChartSeries(logs))
	if err != nil {
		slog.ErrorContext(r.Context(), "Chart encoding failed", "error", err)
		chart = []byte("[]")
	}

	cars, err := s.cars.Cars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Car list failed", "error", err)
	}

	s.render(w, r, "analytics.html", analyticsPage{
		User:      u,
		Cars:      activeCars(cars),
		Months:    analytics.MonthBuckets(all),
		Summary:   sum,
		Criteria:  c,
		ChartJSON: template.JS(chart),
		Count:     len(logs),
	})
}

// Map

type mapPage struct {
	User     core.User
	ViewJSON template.JS
	Count    int
}

// handleMapStash records the currently filtered subset and sends the
// visitor to the map. The map always renders the stashed subset, so it
// matches whatever the history table showed last.
func (s *Server) handleMapStash(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	logs, err := s.filteredLogs(r.Context(), parseCriteria(r))
	if err != nil {
		slog.ErrorContext(r.Context(), "Map stash failed", "error", err)
		http.Error(w, "failed to load logs", http.StatusInternalServerError)
		return
	}
	if err := g.StashMapLogs(logs); err != nil {
		slog.ErrorContext(r.Context(), "Map stash encoding failed", "error", err)
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/map", http.StatusSeeOther)
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	view := geo.BuildView(g.MapLogs())

	b, err := json.Marshal(view)
	if err != nil {
		slog.ErrorContext(r.Context(), "Map view encoding failed", "error", err)
		http.Error(w, "failed to build map", http.StatusInternalServerError)
		return
	}

	s.render(w, r, "map.html", mapPage{
		User:     u,
		ViewJSON: template.JS(b),
		Count:    len(view.Markers),
	})
}

// Cars

type carsPage struct {
	User core.User
	Cars []core.Car
}

func (s *Server) handleCars(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	cars, err := s.cars.Cars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Car list failed", "error", err)
		http.Error(w, "failed to load cars", http.StatusInternalServerError)
		return
	}
	s.render(w, r, "cars.html", carsPage{User: u, Cars: cars})
}

type carFormPage struct {
	User   core.User
	Car    core.Car
	Errors []string
	IsEdit bool
}

func (s *Server) handleCarForm(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	page := carFormPage{User: u}
	if r.PathValue("id") != "" {
		id, err := pathID(r)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		car, err := s.cars.Car(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "Car load failed", "error", err, "id", id)
			http.Error(w, "failed to load car", http.StatusInternalServerError)
			return
		}
		page.Car = car
		page.IsEdit = true
	}
	s.render(w, r, "car_form.html", page)
}

func (s *Server) handleCarSave(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	car := core.Car{
		Brand:        sanitizeInput(r.Form.Get("brand")),
		Model:        sanitizeInput(r.Form.Get("model")),
		VIN:          sanitizeInput(r.Form.Get("vin")),
		LicencePlate: sanitizeInput(r.Form.Get("licencePlate")),
		Color:        sanitizeInput(r.Form.Get("color")),
		FuelType:     core.FuelType(r.Form.Get("fuelType")),
		Description:  sanitizeInput(r.Form.Get("description")),
	}

	isEdit := r.PathValue("id") != ""
	if isEdit {
		id, err := pathID(r)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		car.ID = id
	}

	var problems []string
	if car.Brand == "" {
		problems = append(problems, "Brand is required")
	}
	if car.Model == "" {
		problems = append(problems, "Model is required")
	}
	if !car.FuelType.Valid() {
		problems = append(problems, "Fuel type must be Petrol, Diesel, Electric or Hybrid")
	}
	if len(problems) > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.render(w, r, "car_form.html", carFormPage{User: u, Car: car, Errors: problems, IsEdit: isEdit})
		return
	}

	var err error
	if isEdit {
		_, err = s.cars.UpdateCar(r.Context(), car)
	} else {
		_, err = s.cars.CreateCar(r.Context(), car)
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Car save failed", "error", err)
		http.Error(w, "failed to save car", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/cars", http.StatusSeeOther)
}

func (s *Server) handleCarArchive(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := s.cars.ArchiveCar(r.Context(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.ErrorContext(r.Context(), "Car archive failed", "error", err, "id", id)
		http.Error(w, "failed to archive car", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/cars", http.StatusSeeOther)
}

// handleCarSetPrimary stores the primary-car choice on the user, merging
// into both the database row and the session copy.
func (s *Server) handleCarSetPrimary(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	u.PrimaryCarID = id
	if _, err := s.users.UpdateUser(r.Context(), u); err != nil {
		slog.ErrorContext(r.Context(), "Primary car update failed", "error", err, "car_id", id)
		http.Error(w, "failed to set primary car", http.StatusInternalServerError)
		return
	}
	if _, err := g.UpdateCurrentUser(func(su core.User) core.User {
		su.PrimaryCarID = id
		return su
	}); err != nil {
		slog.ErrorContext(r.Context(), "Session user update failed", "error", err)
	}
	http.Redirect(w, r, "/cars", http.StatusSeeOther)
}

// Refuel log forms

type logFormPage struct {
	User       core.User
	Log        core.RefuelLog
	Cars       []core.Car
	Currencies []core.Currency
	Errors     []string
	IsEdit     bool
}

func (s *Server) handleLogForm(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	page := logFormPage{User: u}
	if r.PathValue("id") != "" {
		id, err := pathID(r)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		l, err := s.logs.Log(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			slog.ErrorContext(r.Context(), "Log load failed", "error", err, "id", id)
			http.Error(w, "failed to load log", http.StatusInternalServerError)
			return
		}
		page.Log = l
		page.IsEdit = true
	} else if u.PrimaryCarID != 0 {
		page.Log.CarID = u.PrimaryCarID
	}
	if page.Log.CurrencyID == 0 {
		page.Log.CurrencyID = u.PreferredCurrencyID
	}
	s.fillFormLookups(r, &page)
	s.render(w, r, "log_form.html", page)
}

func (s *Server) fillFormLookups(r *http.Request, page *logFormPage) {
	if cars, err := s.cars.Cars(r.Context()); err == nil {
		page.Cars = activeCars(cars)
	} else {
		slog.ErrorContext(r.Context(), "Car list failed", "error", err)
	}
	if currencies, err := s.currencies.Currencies(r.Context()); err == nil {
		page.Currencies = currencies
	} else {
		slog.ErrorContext(r.Context(), "Currency list failed", "error", err)
	}
}

func (s *Server) handleLogSave(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	l := core.RefuelLog{
		UserID:       u.ID,
		Date:         sanitizeInput(r.Form.Get("date")),
		StationBrand: sanitizeInput(r.Form.Get("stationBrand")),
		Comments:     sanitizeInput(r.Form.Get("comments")),
	}

	var problems []string
	if id, err := strconv.ParseInt(r.Form.Get("carId"), 10, 64); err == nil {
		l.CarID = id
	} else {
		problems = append(problems, "Car is required")
	}
	if id, err := strconv.ParseInt(r.Form.Get("currencyId"), 10, 64); err == nil {
		l.CurrencyID = id
	} else {
		l.CurrencyID = u.PreferredCurrencyID
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(r.Form.Get("mileage")), 64); err == nil {
		l.Mileage = v
	} else {
		problems = append(problems, "Mileage must be a number")
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(r.Form.Get("liters")), 64); err == nil {
		l.Liters = v
	} else {
		problems = append(problems, "Liters must be a number")
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(r.Form.Get("price")), 64); err == nil {
		l.Price = v
	} else {
		problems = append(problems, "Price must be a number")
	}

	lat, latErr := parseOptionalFloat(r.Form.Get("lat"))
	lon, lonErr := parseOptionalFloat(r.Form.Get("lon"))
	if latErr != nil || lonErr != nil {
		problems = append(problems, "Coordinates must be numbers")
	} else if (lat == nil) != (lon == nil) {
		problems = append(problems, "Provide both latitude and longitude, or neither")
	} else {
		l.Lat, l.Lon = lat, lon
	}

	isEdit := r.PathValue("id") != ""
	if isEdit {
		id, err := pathID(r)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		l.ID = id
	}

	if err := l.Validate(); err != nil {
		problems = append(problems, validationMessage(err))
	}

	if len(problems) > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		page := logFormPage{User: u, Log: l, Errors: problems, IsEdit: isEdit}
		s.fillFormLookups(r, &page)
		s.render(w, r, "log_form.html", page)
		return
	}

	var saved core.RefuelLog
	var err error
	if isEdit {
		saved, err = s.logs.UpdateLog(r.Context(), l)
	} else {
		saved, err = s.logs.CreateLog(r.Context(), l)
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Log save failed", "error", err)
		http.Error(w, "failed to save log", http.StatusInternalServerError)
		return
	}

	s.purgeLogCaches()
	s.publishLogSync(r, saved.ID)
	http.Redirect(w, r, "/logs", http.StatusSeeOther)
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidDate):
		return "Date must be in YYYY-MM-DD format"
	case errors.Is(err, core.ErrMissingCar):
		return "Car is required"
	case errors.Is(err, core.ErrInvalidMileage):
		return "Mileage cannot be negative"
	case errors.Is(err, core.ErrInvalidLiters):
		return "Liters must be greater than zero"
	case errors.Is(err, core.ErrInvalidPrice):
		return "Price cannot be negative"
	default:
		return err.Error()
	}
}

func (s *Server) handleLogDelete(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	id, err := pathID(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := s.logs.DeleteLog(r.Context(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.ErrorContext(r.Context(), "Log delete failed", "error", err, "id", id)
		http.Error(w, "failed to delete log", http.StatusInternalServerError)
		return
	}
	s.purgeLogCaches()
	if s.events != nil {
		if err := s.events.PublishLogDelete(r.Context(), id); err != nil {
			slog.ErrorContext(r.Context(), "Failed to publish log delete", "error", err, "id", id)
		}
	}
	http.Redirect(w, r, "/logs", http.StatusSeeOther)
}

// Profile

type profilePage struct {
	User       core.User
	Currencies []core.Currency
	Errors     []string
	Saved      bool
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	page := profilePage{User: u, Saved: r.URL.Query().Get("saved") == "1"}
	if currencies, err := s.currencies.Currencies(r.Context()); err == nil {
		page.Currencies = currencies
	}
	s.render(w, r, "profile.html", page)
}

// handleProfileSave merges the edited fields into the stored user; fields
// the form does not carry survive untouched.
func (s *Server) handleProfileSave(w http.ResponseWriter, r *http.Request, g *session.Gate, u core.User) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	displayName := sanitizeInput(r.Form.Get("displayName"))
	email := sanitizeInput(r.Form.Get("email"))
	currencyID, _ := strconv.ParseInt(r.Form.Get("preferredCurrencyId"), 10, 64)

	var problems []string
	if email != "" && !core.ValidEmail(email) {
		problems = append(problems, "Email address is not valid")
	}
	if len(problems) > 0 {
		page := profilePage{User: u, Errors: problems}
		if currencies, err := s.currencies.Currencies(r.Context()); err == nil {
			page.Currencies = currencies
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		s.render(w, r, "profile.html", page)
		return
	}

	merged, err := g.UpdateCurrentUser(func(su core.User) core.User {
		su.DisplayName = displayName
		su.Email = email
		if currencyID > 0 {
			su.PreferredCurrencyID = currencyID
		}
		return su
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "Session user update failed", "error", err)
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	if _, err := s.users.UpdateUser(r.Context(), merged); err != nil {
		slog.ErrorContext(r.Context(), "Profile update failed", "error", err, "user_id", merged.ID)
		http.Error(w, "failed to save profile", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/profile?saved=1", http.StatusSeeOther)
}
