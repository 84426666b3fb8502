// Command seed-db loads a product catalog, a set of starter discount codes,
// and an admin API key into PostgreSQL. Safe to run repeatedly.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/money"
	"github.com/velora/promo-engine/internal/storage/postgres"
)

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or PROMO_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("PROMO_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PROMO_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, pool, productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedCodes(ctx, postgres.NewCodeRepository(pool)); err != nil {
		return errors.Wrap(err, "seed discount codes")
	}

	if apiKey != "" {
		if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
			return errors.Wrap(err, "seed api key")
		}
	} else {
		slog.Warn("no admin API key provided, skipping")
	}

	return nil
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	data, err := os.ReadFile(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if _, err := pool.Exec(ctx, `
			INSERT INTO products (id, name, price, category)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category`,
			p.ID, p.Name, p.Price, p.Category,
		); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

// starterCodes covers each discount kind once so a fresh environment can
// exercise the whole resolution cascade.
func starterCodes(now time.Time) []*discount.Code {
	year := now.AddDate(1, 0, 0)
	return []*discount.Code{
		{
			Code:        "WELCOME10",
			Kind:        discount.KindPercentage,
			Description: "Welcome: 10% off your order",
			Value:       decimal.NewFromInt(10),
			UsageLimit:  10000,
			ValidFrom:   now,
			ValidUntil:  year,
			Active:      true,
		},
		{
			Code:              "SAVE5",
			Kind:              discount.KindFixedAmount,
			Description:       "Five dollars off each item on orders over $50",
			Value:             decimal.NewFromInt(5),
			MinOrderAmount:    money.Cents(5000),
			MaxDiscountAmount: money.Cents(2500),
			UsageLimit:        5000,
			ValidFrom:         now,
			ValidUntil:        year,
			Active:            true,
		},
		{
			Code:        "BULKDEAL",
			Kind:        discount.KindPriceOverride,
			Description: "Contract pricing for the starter catalog",
			UsageLimit:  1000,
			ValidFrom:   now,
			ValidUntil:  year,
			Active:      true,
			OverridePrices: map[string]money.Cents{
				"1": 499,
			},
			QuantityTiers: map[string][]discount.Tier{
				"2": {
					{MinQuantity: 1, Price: 650},
					{MinQuantity: 10, Price: 600},
				},
			},
		},
	}
}

func seedCodes(ctx context.Context, repo *postgres.CodeRepository) error {
	slog.Info("seeding starter discount codes")

	for _, c := range starterCodes(time.Now().UTC()) {
		err := repo.Create(ctx, c)

		var defErr *discount.DefinitionError
		if errors.As(err, &defErr) && defErr.Field == "code" {
			slog.Info("code already present, skipping", slog.String("code", c.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create code %s", c.Code)
		}

		slog.Info("created code", slog.String("code", c.Code), slog.String("kind", string(c.Kind)))
	}

	return nil
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, apiKey, pepper string) error {
	slog.Info("seeding admin API key")

	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(apiKey))
	keyHash := hex.EncodeToString(mac.Sum(nil))

	if _, err := pool.Exec(ctx, `
		INSERT INTO api_keys (id, key_hash, name, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (key_hash) DO UPDATE SET is_active = TRUE`,
		uuid.New().String(), keyHash, "Seed admin key",
	); err != nil {
		return errors.Wrap(err, "upsert admin API key")
	}

	slog.Info("upserted admin API key", slog.String("name", "Seed admin key"))

	return nil
}
