package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"tanklog/internal/analytics"
	"tanklog/internal/core"
	"tanklog/internal/storage"
)

// Cars

func (s *Server) handleListCars(w http.ResponseWriter, r *http.Request) {
	cars, err := s.cars.Cars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "List cars failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list cars")
		return
	}
	if cars == nil {
		cars = []core.Car{}
	}
	writeJSON(w, http.StatusOK, cars)
}

func (s *Server) handleGetCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid car id")
		return
	}
	car, err := s.cars.Car(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "car not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Get car failed", "error", err, "id", id)
		writeJSONError(w, http.StatusInternalServerError, "failed to get car")
		return
	}
	writeJSON(w, http.StatusOK, car)
}

func (s *Server) handleCreateCar(w http.ResponseWriter, r *http.Request) {
	var car core.Car
	if err := json.NewDecoder(r.Body).Decode(&car); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := car.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	created, err := s.cars.CreateCar(r.Context(), car)
	if err != nil {
		slog.ErrorContext(r.Context(), "Create car failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create car")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid car id")
		return
	}
	var car core.Car
	if err := json.NewDecoder(r.Body).Decode(&car); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	car.ID = id
	if err := car.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	updated, err := s.cars.UpdateCar(r.Context(), car)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "car not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Update car failed", "error", err, "id", id)
		writeJSONError(w, http.StatusInternalServerError, "failed to update car")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DELETE on a car archives it; history stays intact.
func (s *Server) handleArchiveCar(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid car id")
		return
	}
	err = s.cars.ArchiveCar(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "car not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Archive car failed", "error", err, "id", id)
		writeJSONError(w, http.StatusInternalServerError, "failed to archive car")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Refuel logs

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.filteredLogs(r.Context(), parseCriteria(r))
	if err != nil {
		slog.ErrorContext(r.Context(), "List logs failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	if col, dir := parseSort(r); col.Valid() {
		logs = analytics.SortLogs(logs, col, dir)
	}
	if logs == nil {
		logs = []core.RefuelLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid log id")
		return
	}
	l, err := s.logs.Log(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Get log failed", "error", err, "id", id)
		writeJSONError(w, http.StatusInternalServerError, "failed to get log")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	var l core.RefuelLog
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := l.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	created, err := s.logs.CreateLog(r.Context(), l)
	if err != nil {
		slog.ErrorContext(r.Context(), "Create log failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create log")
		return
	}
	s.purgeLogCaches()
	s.publishLogSync(r, created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid log id")
		return
	}
	var l core.RefuelLog
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	l.ID = id
	if err := l.Validate(); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	updated, err := s.logs.UpdateLog(r.Context(), l)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Update log failed", "error", err, "id", id)
		writeJSONError(w, http.StatusInternalServerError, "failed to update log")
		return
	}
	s.purgeLogCaches()
	s.publishLogSync(r, id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid log id")
		return
	}
	err = s.logs.DeleteLog(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Delete log failed", "error", err, "id", id)
		writeJSONError(w, http.StatusInternalServerError, "failed to delete log")
		return
	}
	s.purgeLogCaches()
	if s.events != nil {
		if err := s.events.PublishLogDelete(r.Context(), id); err != nil {
			slog.ErrorContext(r.Context(), "Failed to publish log delete", "error", err, "id", id)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishLogSync announces a saved log to the export pipeline. The save
// already succeeded; a broker failure is logged, never surfaced.
func (s *Server) publishLogSync(r *http.Request, id int64) {
	if s.events == nil {
		return
	}
	version, err := s.logs.LogVersion(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to read log version for sync", "error", err, "id", id)
		return
	}
	if err := s.events.PublishLogSync(r.Context(), id, version); err != nil {
		slog.ErrorContext(r.Context(), "Failed to publish log sync", "error", err, "id", id)
	}
}

// Currencies

func (s *Server) handleListCurrencies(w http.ResponseWriter, r *http.Request) {
	currencies, err := s.currencies.Currencies(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "List currencies failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to list currencies")
		return
	}
	if currencies == nil {
		currencies = []core.Currency{}
	}
	writeJSON(w, http.StatusOK, currencies)
}

// Login

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleAPILogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, ok := s.authenticate(r, req.Username, req.Password)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// authenticate checks credentials against the user store. A missing user
// and a wrong password are indistinguishable to the caller.
func (s *Server) authenticate(r *http.Request, username, password string) (core.User, bool) {
	u, hash, err := s.users.UserByUsername(r.Context(), username)
	if errors.Is(err, storage.ErrNotFound) {
		return core.User{}, false
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "User lookup failed", "error", err)
		return core.User{}, false
	}
	if u.IsDisabled {
		slog.WarnContext(r.Context(), "Login attempt for disabled account", "username", username)
		return core.User{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return core.User{}, false
	}
	return u, true
}
