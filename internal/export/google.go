package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"tanklog/internal/core"
)

// GoogleClient appends refuel logs to a Google Sheet using a service
// account. One row per log, ID in column A.
type GoogleClient struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

var (
	_ RowAppender = (*GoogleClient)(nil)
	_ RowDeleter  = (*GoogleClient)(nil)
)

// NewFromEnv creates a Sheets client from environment variables.
// Required: GOOGLE_SPREADSHEET_ID. Credentials come from GOOGLE_CREDS_JSON,
// GOOGLE_CREDS_FILE or GOOGLE_APPLICATION_CREDENTIALS.
func NewFromEnv(ctx context.Context) (*GoogleClient, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	sheetName := strings.TrimSpace(os.Getenv("GOOGLE_SHEET_NAME"))
	if sheetName == "" {
		sheetName = "Refuels"
	}

	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	return &GoogleClient{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	credsJSON := strings.TrimSpace(os.Getenv("GOOGLE_CREDS_JSON"))
	credsFile := strings.TrimSpace(os.Getenv("GOOGLE_CREDS_FILE"))
	if credsJSON == "" && credsFile == "" {
		credsFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentials []byte
	var err error
	switch {
	case credsJSON != "":
		credentials = []byte(credsJSON)
	case credsFile != "":
		credentials, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_CREDS_JSON, GOOGLE_CREDS_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentials),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets service created")
	return service, nil
}

// AppendLog writes the log to the first free row and returns its range
// reference.
func (c *GoogleClient) AppendLog(ctx context.Context, l core.RefuelLog, carLabel, currencyCode string) (string, error) {
	if err := l.Validate(); err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	rng := fmt.Sprintf("%s!A:A", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get sheet dimensions for %s: %w", c.sheetName, err)
	}
	nextRow := len(resp.Values) + 1

	var lat, lon any
	if l.HasLocation() {
		lat, lon = *l.Lat, *l.Lon
	}

	dataRange := fmt.Sprintf("%s!A%d:J%d", c.sheetName, nextRow, nextRow)
	vr := &gsheet.ValueRange{Values: [][]any{{
		l.ID, l.Date, carLabel, l.Mileage, l.Liters, l.Price, currencyCode, l.StationBrand, lat, lon,
	}}}

	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, dataRange, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("update row in sheet %s: %w", c.sheetName, err)
	}

	return dataRange, nil
}

// DeleteLogRow clears the row whose first column matches the log ID.
// A log that never made it to the sheet is not an error.
func (c *GoogleClient) DeleteLogRow(ctx context.Context, id int64) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}

	rng := fmt.Sprintf("%s!A:A", c.sheetName)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("scan sheet %s: %w", c.sheetName, err)
	}

	want := strconv.FormatInt(id, 10)
	for i, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if fmt.Sprint(row[0]) != want {
			continue
		}
		clearRange := fmt.Sprintf("%s!A%d:J%d", c.sheetName, i+1, i+1)
		_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
			Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("clear row %d in sheet %s: %w", i+1, c.sheetName, err)
		}
		slog.InfoContext(ctx, "Cleared exported log row", "id", id, "row", i+1)
		return nil
	}

	slog.WarnContext(ctx, "Exported log row not found for deletion", "id", id)
	return nil
}
