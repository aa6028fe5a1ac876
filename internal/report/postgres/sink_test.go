package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapebot/internal/scrape"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

func TestWriteInsertsSuccessRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	sink, err := NewWithPool(mock, "", staticIDs{id: "0190-row"}, fixedClock{now: now})
	require.NoError(t, err)

	result := scrape.Result{
		Name:       "milk",
		URL:        "https://shop.example/milk",
		Key:        "k1",
		Provenance: scrape.ProvenanceFetched,
		Payload:    scrape.Payload{"price": 3.49},
	}
	mock.ExpectExec("INSERT INTO scrape_results").
		WithArgs(
			"0190-row",
			"run-7",
			"milk",
			"https://shop.example/milk",
			"k1",
			"fetched",
			[]byte(`{"price":3.49}`),
			"",
			"",
			0,
			0,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Write(context.Background(), "run-7", result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteInsertsFailureRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Unix(1700000000, 0).UTC()
	sink, err := NewWithPool(mock, "results", staticIDs{id: "0190-row"}, fixedClock{now: now})
	require.NoError(t, err)

	result := scrape.Result{
		URL: "https://shop.example/busy",
		Error: &scrape.ErrorRecord{
			Kind:       scrape.KindRateLimit,
			Message:    "rate limit exceeded for https://shop.example/busy",
			Attempts:   1,
			StatusCode: 429,
		},
	}
	mock.ExpectExec("INSERT INTO results").
		WithArgs(
			"0190-row",
			"run-7",
			"",
			"https://shop.example/busy",
			"",
			"",
			[]byte(nil),
			"RateLimitError",
			"rate limit exceeded for https://shop.example/busy",
			1,
			429,
			now,
		).
		WillReturnError(errors.New("connection reset"))

	err = sink.Write(context.Background(), "run-7", result)
	require.ErrorContains(t, err, "insert result: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, staticIDs{}, fixedClock{})
	var cfgErr *scrape.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "report.postgres.dsn", cfgErr.Setting)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "drop table;", staticIDs{}, fixedClock{})
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewWithPool(nil, "", staticIDs{}, fixedClock{})
	require.Error(t, err)
}
