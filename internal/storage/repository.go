package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tanklog/internal/core"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Sync states of a refuel log row.
const (
	SyncPending  = "pending"
	SyncSynced   = "synced"
	SyncError    = "error"
	SyncDeleting = "deleting"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Cars

const carColumns = "id, brand, model, vin, licence_plate, color, fuel_type, description, is_archived"

func scanCar(row interface{ Scan(...any) error }) (core.Car, error) {
	var c core.Car
	err := row.Scan(&c.ID, &c.Brand, &c.Model, &c.VIN, &c.LicencePlate, &c.Color, &c.FuelType, &c.Description, &c.IsArchived)
	return c, err
}

func (r *SQLiteRepository) Cars(ctx context.Context) ([]core.Car, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+carColumns+" FROM cars ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list cars: %w", err)
	}
	defer rows.Close()

	var cars []core.Car
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, fmt.Errorf("scan car: %w", err)
		}
		cars = append(cars, c)
	}
	return cars, rows.Err()
}

func (r *SQLiteRepository) Car(ctx context.Context, id int64) (core.Car, error) {
	c, err := scanCar(r.db.QueryRowContext(ctx, "SELECT "+carColumns+" FROM cars WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Car{}, ErrNotFound
	}
	if err != nil {
		return core.Car{}, fmt.Errorf("get car: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) CreateCar(ctx context.Context, c core.Car) (core.Car, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO cars (brand, model, vin, licence_plate, color, fuel_type, description, is_archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Brand, c.Model, c.VIN, c.LicencePlate, c.Color, c.FuelType, c.Description, c.IsArchived)
	if err != nil {
		return core.Car{}, fmt.Errorf("create car: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return core.Car{}, fmt.Errorf("create car id: %w", err)
	}

	slog.InfoContext(ctx, "Car saved", "id", c.ID, "brand", c.Brand, "model", c.Model)
	return c, nil
}

func (r *SQLiteRepository) UpdateCar(ctx context.Context, c core.Car) (core.Car, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cars SET brand = ?, model = ?, vin = ?, licence_plate = ?, color = ?, fuel_type = ?, description = ?, is_archived = ?
		 WHERE id = ?`,
		c.Brand, c.Model, c.VIN, c.LicencePlate, c.Color, c.FuelType, c.Description, c.IsArchived, c.ID)
	if err != nil {
		return core.Car{}, fmt.Errorf("update car: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Car{}, ErrNotFound
	}
	return c, nil
}

// ArchiveCar retires a car. Rows are never deleted so old logs keep their
// vehicle reference.
func (r *SQLiteRepository) ArchiveCar(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE cars SET is_archived = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("archive car: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.InfoContext(ctx, "Car archived", "id", id)
	return nil
}

// Refuel logs

const logColumns = "id, user_id, car_id, date, mileage, liters, price, currency_id, station_brand, comments, lat, lon"

func scanLog(row interface{ Scan(...any) error }) (core.RefuelLog, error) {
	var l core.RefuelLog
	err := row.Scan(&l.ID, &l.UserID, &l.CarID, &l.Date, &l.Mileage, &l.Liters, &l.Price,
		&l.CurrencyID, &l.StationBrand, &l.Comments, &l.Lat, &l.Lon)
	return l, err
}

func (r *SQLiteRepository) Logs(ctx context.Context) ([]core.RefuelLog, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+logColumns+" FROM refuel_logs ORDER BY date, id")
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []core.RefuelLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *SQLiteRepository) Log(ctx context.Context, id int64) (core.RefuelLog, error) {
	l, err := scanLog(r.db.QueryRowContext(ctx, "SELECT "+logColumns+" FROM refuel_logs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.RefuelLog{}, ErrNotFound
	}
	if err != nil {
		return core.RefuelLog{}, fmt.Errorf("get log: %w", err)
	}
	return l, nil
}

func (r *SQLiteRepository) CreateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO refuel_logs (user_id, car_id, date, mileage, liters, price, currency_id, station_brand, comments, lat, lon, version, sync_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		l.UserID, l.CarID, l.Date, l.Mileage, l.Liters, l.Price, l.CurrencyID, l.StationBrand, l.Comments, l.Lat, l.Lon, SyncPending)
	if err != nil {
		return core.RefuelLog{}, fmt.Errorf("create log: %w", err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return core.RefuelLog{}, fmt.Errorf("create log id: %w", err)
	}

	slog.InfoContext(ctx, "Refuel log saved",
		"id", l.ID,
		"car_id", l.CarID,
		"date", l.Date,
		"liters", l.Liters,
		"price", l.Price)
	return l, nil
}

// UpdateLog rewrites a log, bumps its version and sends it back to the
// pending sync queue.
func (r *SQLiteRepository) UpdateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE refuel_logs SET car_id = ?, date = ?, mileage = ?, liters = ?, price = ?, currency_id = ?,
		        station_brand = ?, comments = ?, lat = ?, lon = ?, version = version + 1, sync_status = ?
		 WHERE id = ?`,
		l.CarID, l.Date, l.Mileage, l.Liters, l.Price, l.CurrencyID,
		l.StationBrand, l.Comments, l.Lat, l.Lon, SyncPending, l.ID)
	if err != nil {
		return core.RefuelLog{}, fmt.Errorf("update log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.RefuelLog{}, ErrNotFound
	}
	return l, nil
}

func (r *SQLiteRepository) DeleteLog(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM refuel_logs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.InfoContext(ctx, "Refuel log deleted", "id", id)
	return nil
}

// LogVersion returns the current sync version of a log.
func (r *SQLiteRepository) LogVersion(ctx context.Context, id int64) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, "SELECT version FROM refuel_logs WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get log version: %w", err)
	}
	return v, nil
}

// PendingSyncLog is the minimal row shape the sync queue needs.
type PendingSyncLog struct {
	ID        int64
	Version   int64
	CreatedAt time.Time
}

// PendingSyncLogs returns logs awaiting export, oldest first.
func (r *SQLiteRepository) PendingSyncLogs(ctx context.Context, limit int) ([]PendingSyncLog, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, version, created_at FROM refuel_logs WHERE sync_status = ? ORDER BY created_at LIMIT ?",
		SyncPending, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending sync logs: %w", err)
	}
	defer rows.Close()

	var pending []PendingSyncLog
	for rows.Next() {
		var p PendingSyncLog
		if err := rows.Scan(&p.ID, &p.Version, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending log: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkSynced records a successful export, but only when the exported
// version is still current. A concurrent edit keeps the row pending.
func (r *SQLiteRepository) MarkSynced(ctx context.Context, id, version int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE refuel_logs SET sync_status = ? WHERE id = ? AND version = ?",
		SyncSynced, id, version)
	if err != nil {
		return fmt.Errorf("mark log synced: %w", err)
	}
	slog.InfoContext(ctx, "Refuel log marked as synced", "id", id, "version", version)
	return nil
}

func (r *SQLiteRepository) MarkSyncError(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, "UPDATE refuel_logs SET sync_status = ? WHERE id = ?", SyncError, id)
	if err != nil {
		return fmt.Errorf("mark log sync error: %w", err)
	}
	slog.WarnContext(ctx, "Refuel log marked with sync error", "id", id)
	return nil
}

// Currencies

func (r *SQLiteRepository) Currencies(ctx context.Context) ([]core.Currency, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT currency_id, currency_code, currency_name FROM currencies ORDER BY currency_id")
	if err != nil {
		return nil, fmt.Errorf("list currencies: %w", err)
	}
	defer rows.Close()

	var out []core.Currency
	for rows.Next() {
		var c core.Currency
		if err := rows.Scan(&c.ID, &c.Code, &c.Name); err != nil {
			return nil, fmt.Errorf("scan currency: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Users

const userColumns = "id, username, display_name, email, is_disabled, primary_car_id, preferred_currency_id"

func (r *SQLiteRepository) UserByUsername(ctx context.Context, username string) (core.User, string, error) {
	var u core.User
	var hash string
	err := r.db.QueryRowContext(ctx,
		"SELECT "+userColumns+", password_hash FROM users WHERE username = ?", username).
		Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.IsDisabled, &u.PrimaryCarID, &u.PreferredCurrencyID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, "", ErrNotFound
	}
	if err != nil {
		return core.User{}, "", fmt.Errorf("get user: %w", err)
	}
	return u, hash, nil
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.User, passwordHash string) (core.User, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, display_name, email, password_hash, is_disabled, primary_car_id, preferred_currency_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Username, u.DisplayName, u.Email, passwordHash, u.IsDisabled, u.PrimaryCarID, u.PreferredCurrencyID)
	if err != nil {
		return core.User{}, fmt.Errorf("create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	if err != nil {
		return core.User{}, fmt.Errorf("create user id: %w", err)
	}

	slog.InfoContext(ctx, "User created", "id", u.ID, "username", u.Username)
	return u, nil
}

func (r *SQLiteRepository) UpdateUser(ctx context.Context, u core.User) (core.User, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET display_name = ?, email = ?, is_disabled = ?, primary_car_id = ?, preferred_currency_id = ?
		 WHERE id = ?`,
		u.DisplayName, u.Email, u.IsDisabled, u.PrimaryCarID, u.PreferredCurrencyID, u.ID)
	if err != nil {
		return core.User{}, fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.User{}, ErrNotFound
	}
	return u, nil
}
