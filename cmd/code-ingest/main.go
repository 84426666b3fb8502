// Command code-ingest imports bulk promo code dumps into PostgreSQL.
//
// Partner feeds arrive as gzip files of one token per line, and a token is
// trusted only when at least two independent feeds agree on it. The dumps are
// far too large to hold in memory, so pass 1 builds one bloom filter per
// file and pass 2 re-streams each file testing tokens against the other
// files' filters.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"math/bits"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/velora/promo-engine/internal/discount"
	"github.com/velora/promo-engine/internal/storage/postgres"
)

const (
	bloomCapacity = 120_000_000
	bloomFPR      = 0.001
	progressEvery = 10_000_000
	minTokenLen   = 8
	maxTokenLen   = 10
)

// tokenRule maps a known token to the discount it should carry. Tokens not
// listed here get defaultRule.
type tokenRule struct {
	percent     string
	description string
}

var tokenRules = map[string]tokenRule{
	"FIFTYOFF": {percent: "50", description: "50% off entire order"},
	"SIXTYOFF": {percent: "60", description: "60% off entire order"},
	"HAPPYHRS": {percent: "18", description: "Happy Hours: 18% off"},
	"GNULINUX": {percent: "15", description: "Open source discount: 15% off"},
}

var defaultRule = tokenRule{
	percent:     "10",
	description: "Partner promo: 10% off",
}

// fileResult holds candidate tokens found in a single file during pass 2.
type fileResult struct {
	candidates map[string]uint
}

func main() {
	var (
		dataDir     string
		databaseURL string
		usageLimit  int
		validDays   int
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.gz token dumps")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&usageLimit, "usage-limit", 1000, "usage limit assigned to each ingested code")
	flag.IntVar(&validDays, "valid-days", 365, "validity window in days for each ingested code")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, usageLimit, validDays); err != nil {
		slog.Error("code ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("code ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, usageLimit, validDays int) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.gz"))
	if err != nil {
		return errors.Wrap(err, "glob data dir")
	}
	if len(files) < 2 {
		return errors.Errorf("need at least 2 dump files in %s, found %d", dataDir, len(files))
	}

	// Pass 1: build bloom filters concurrently.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}

	// Pass 2: find tokens appearing in 2+ files.
	slog.Info("pass 2: finding candidate tokens")

	tokens, err := findValidTokens(ctx, files, filters)
	if err != nil {
		return errors.Wrap(err, "find valid tokens")
	}

	slog.Info("valid tokens found", slog.Int("count", len(tokens)))

	if len(tokens) == 0 {
		slog.Info("no valid tokens to insert")
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := writeCodes(ctx, postgres.NewCodeRepository(pool), tokens, usageLimit, validDays); err != nil {
		return errors.Wrap(err, "write codes to database")
	}

	return nil
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(buildFilterForFile(ctx, i, f, filters))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return filters, nil
}

func buildFilterForFile(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter) func() error {
	return func() error {
		filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)
		var count uint64

		if err := streamGzFile(ctx, path, func(token string) {
			if len(token) >= minTokenLen && len(token) <= maxTokenLen {
				filter.AddString(token)
				count++
				if count%progressEvery == 0 {
					slog.Info("pass 1 progress",
						slog.Int("file", idx+1),
						slog.Uint64("tokens", count),
					)
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "build filter for file %d", idx+1)
		}

		slog.Info("pass 1 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_tokens", count),
		)

		filters[idx] = filter
		return nil
	}
}

// findValidTokens re-streams each file and checks tokens against OTHER
// files' bloom filters. A token is valid if it appears in 2 or more files.
func findValidTokens(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]string, error) {
	results := make([]fileResult, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(findCandidatesInFile(ctx, i, f, filters, results))
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge bitmasks from all files.
	merged := make(map[string]uint)
	for _, r := range results {
		for token, mask := range r.candidates {
			merged[token] |= mask
		}
	}

	var valid []string
	for token, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			valid = append(valid, token)
		}
	}

	return valid, nil
}

func findCandidatesInFile(
	ctx context.Context,
	idx int,
	path string,
	filters []*bloom.BloomFilter,
	results []fileResult,
) func() error {
	return func() error {
		candidates := make(map[string]uint)
		fileBit := uint(1) << uint(idx)
		var count uint64

		if err := streamGzFile(ctx, path, func(token string) {
			if len(token) < minTokenLen || len(token) > maxTokenLen {
				return
			}

			count++
			if count%progressEvery == 0 {
				slog.Info("pass 2 progress",
					slog.Int("file", idx+1),
					slog.Uint64("tokens", count),
				)
			}

			// Check if this token appears in any OTHER file's bloom filter.
			for j, f := range filters {
				if j == idx {
					continue
				}
				if f.TestString(token) {
					candidates[token] |= fileBit
					break
				}
			}
		}); err != nil {
			return errors.Wrapf(err, "scan file %d for candidates", idx+1)
		}

		slog.Info("pass 2 complete",
			slog.Int("file", idx+1),
			slog.Uint64("total_tokens", count),
			slog.Int("candidates", len(candidates)),
		)

		results[idx] = fileResult{candidates: candidates}
		return nil
	}
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(token string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// writeCodes creates a percentage discount code for every valid token.
// Tokens already present stay untouched.
func writeCodes(ctx context.Context, repo *postgres.CodeRepository, tokens []string, usageLimit, validDays int) error {
	slog.Info("writing codes to database", slog.Int("count", len(tokens)))

	now := time.Now().UTC()
	until := now.AddDate(0, 0, validDays)

	for i, token := range tokens {
		rule, ok := tokenRules[token]
		if !ok {
			rule = defaultRule
		}

		percent, err := decimal.NewFromString(rule.percent)
		if err != nil {
			return errors.Wrapf(err, "parse percent for token %s", token)
		}

		err = repo.Create(ctx, &discount.Code{
			Code:        token,
			Kind:        discount.KindPercentage,
			Description: rule.description,
			Value:       percent,
			UsageLimit:  usageLimit,
			ValidFrom:   now,
			ValidUntil:  until,
			Active:      true,
		})

		var defErr *discount.DefinitionError
		if errors.As(err, &defErr) && defErr.Field == "code" {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create code %s", token)
		}

		if (i+1)%100 == 0 || i+1 == len(tokens) {
			slog.Info("write progress", slog.Int("written", i+1), slog.Int("total", len(tokens)))
		}
	}

	return nil
}
