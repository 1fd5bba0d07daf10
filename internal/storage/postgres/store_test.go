package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, Config{})
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Config{ResultTable: "results; DROP TABLE x"})
	require.Error(t, err)
	_, err = NewWithPool(nil, Config{})
	require.Error(t, err)
}

func TestSaveStrategyUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	st := crawler.Strategy{
		ID:          "s-1",
		Domain:      "shop.com",
		Type:        crawler.StrategyCSS,
		Selector:    ".price",
		Confidence:  0.9,
		Status:      crawler.StrategyActive,
		Priority:    2,
		LastSuccess: now,
		Attempts:    3,
		Successes:   2,
		Failures:    1,
		Source:      crawler.SourceConfig,
	}

	mock.ExpectExec("INSERT INTO strategies").
		WithArgs(
			"s-1", "shop.com", "css", ".price", "", 0.9, "active", 2, now,
			3, 2, 1, []byte(`[]`), "", "config", false,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveStrategy(context.Background(), st))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStrategyRequiresID(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	require.Error(t, store.SaveStrategy(context.Background(), crawler.Strategy{Domain: "shop.com"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStrategiesScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{
		"id", "domain", "type", "selector", "field", "confidence", "status", "priority", "last_success",
		"attempts", "successes", "failures", "children", "parent_id", "source", "variants_generated",
	}).
		AddRow("s-1", "shop.com", "css", ".price", "", 0.9, "active", 1, now,
			4, 3, 1, []byte(`[]`), "", "store", true).
		AddRow("s-2", "shop.com", "composite", "", "", 0.5, "active", 0, time.Time{},
			0, 0, 0, []byte(`[{"id":"c-1","type":"regex","selector":"R\\$ ([0-9,.]+)"}]`), "", "config", false)

	mock.ExpectQuery("FROM strategies").WithArgs("shop.com").WillReturnRows(rows)

	got, err := store.GetStrategies(context.Background(), "shop.com")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, crawler.StrategyCSS, got[0].Type)
	require.Equal(t, now, got[0].LastSuccess)
	require.True(t, got[0].Variants)
	require.Equal(t, 3, got[0].Successes)
	require.Equal(t, crawler.StrategyComposite, got[1].Type)
	require.True(t, got[1].LastSuccess.IsZero())
	require.Len(t, got[1].Children, 1)
	require.Equal(t, crawler.StrategyRegex, got[1].Children[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStrategiesWrapsQueryError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM strategies").WithArgs("shop.com").WillReturnError(errors.New("boom"))

	_, err := store.GetStrategies(context.Background(), "shop.com")
	require.ErrorContains(t, err, "query strategies")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveItemUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	item := crawler.QueueItem{
		URL:           "https://shop.com/p/1",
		Domain:        "shop.com",
		Status:        crawler.ItemStatusDone,
		PriorityScore: 12.5,
		LastChecked:   now,
		AddedAt:       now.Add(-time.Hour),
		Metadata:      map[string]string{"sku": "42"},
	}

	mock.ExpectExec("INSERT INTO queue_items").
		WithArgs(item.URL, "shop.com", "done", 12.5, 0, 0, "", now, item.AddedAt, []byte(`{"sku":"42"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveItem(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultInserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	price := 199.9
	variation := -0.1
	rec := crawler.PriceRecord{
		URL:       "https://shop.com/p/1",
		Domain:    "shop.com",
		CheckedAt: now,
		Result: crawler.ExtractionResult{
			PriceCurrent: &price,
			Availability: crawler.AvailabilityInStock,
			Currency:     "BRL",
			StrategyUsed: "css",
			Confidence:   0.9,
			Success:      true,
		},
		Variation:  &variation,
		StatusCode: 200,
	}

	mock.ExpectExec("INSERT INTO price_results").
		WithArgs(
			rec.URL, "shop.com", now, &price, (*float64)(nil), (*float64)(nil), "BRL",
			"in_stock", []string{}, "css", 0.9, true, "", &variation, 200, false,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordResult(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHistoryScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{
		"url", "domain", "checked_at", "price_current", "price_old", "price_pix", "currency",
		"availability", "promotion_badges", "strategy_used", "confidence", "success", "error",
		"variation", "status_code", "headless",
	}).AddRow("https://shop.com/p/1", "shop.com", now, 99.9, 129.9, 94.9, "BRL",
		"in_stock", []string{"free_shipping"}, "regex", 0.6, true, "", 0.05, 200, true)

	mock.ExpectQuery("FROM price_results").WithArgs("https://shop.com/p/1", 50).WillReturnRows(rows)

	got, err := store.GetHistory(context.Background(), "https://shop.com/p/1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	rec := got[0]
	require.NotNil(t, rec.Result.PriceCurrent)
	require.InDelta(t, 99.9, *rec.Result.PriceCurrent, 1e-9)
	require.InDelta(t, 129.9, *rec.Result.PriceOld, 1e-9)
	require.InDelta(t, 94.9, *rec.Result.PricePix, 1e-9)
	require.Equal(t, crawler.AvailabilityInStock, rec.Result.Availability)
	require.Equal(t, []string{"free_shipping"}, rec.Result.PromotionBadges)
	require.True(t, rec.Headless)
	require.NotNil(t, rec.Variation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS strategies").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS strategies_domain_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS price_results").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS price_results_url_checked_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectPing()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
