package http

import (
	"context"

	"tanklog/internal/core"
)

// Ports the server consumes. The SQLite repository satisfies the store
// interfaces; the AMQP client satisfies EventPublisher.
type (
	CarStore interface {
		Cars(ctx context.Context) ([]core.Car, error)
		Car(ctx context.Context, id int64) (core.Car, error)
		CreateCar(ctx context.Context, c core.Car) (core.Car, error)
		UpdateCar(ctx context.Context, c core.Car) (core.Car, error)
		ArchiveCar(ctx context.Context, id int64) error
	}

	LogStore interface {
		Logs(ctx context.Context) ([]core.RefuelLog, error)
		Log(ctx context.Context, id int64) (core.RefuelLog, error)
		CreateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error)
		UpdateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error)
		DeleteLog(ctx context.Context, id int64) error
		LogVersion(ctx context.Context, id int64) (int64, error)
	}

	CurrencyStore interface {
		Currencies(ctx context.Context) ([]core.Currency, error)
	}

	UserStore interface {
		UserByUsername(ctx context.Context, username string) (core.User, string, error)
		CreateUser(ctx context.Context, u core.User, passwordHash string) (core.User, error)
		UpdateUser(ctx context.Context, u core.User) (core.User, error)
	}

	// EventPublisher announces log mutations to the export pipeline.
	// Publishing is best-effort; a broker outage never fails a request.
	EventPublisher interface {
		PublishLogSync(ctx context.Context, id, version int64) error
		PublishLogDelete(ctx context.Context, id int64) error
	}
)
