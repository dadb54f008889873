package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/storage"
	"listing-crawler/pkg/utils"
)

func TestParseFlags_Defaults(t *testing.T) {
	f, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "config.yaml", f.ConfigPath)
	assert.Equal(t, "info", f.LogLevel)
	assert.False(t, f.Resume)
	assert.Empty(t, f.set)
}

func TestParseFlags_RecordsExplicitFlags(t *testing.T) {
	f, err := parseFlags([]string{"-config", "x.yaml", "-max-ads", "20", "-price", "100-5000", "-resume"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "x.yaml", f.ConfigPath)
	assert.Equal(t, 20, f.MaxAds)
	assert.True(t, f.Resume)
	assert.True(t, f.set["max-ads"])
	assert.True(t, f.set["price"])
	assert.False(t, f.set["seller-ads"])
}

func TestParseFlags_Errors(t *testing.T) {
	_, err := parseFlags([]string{"-max-ads", "lots"}, io.Discard)
	assert.Error(t, err)

	_, err = parseFlags([]string{"stray"}, io.Discard)
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg := &config.AppConfig{MaxAds: 150}
	cfg.Filters.Price = "1-2"
	cfg.Filters.RegDateFrom = "01-01-2015"

	f, err := parseFlags([]string{"-max-ads", "10", "-reg-date", "01-01-2020", "-min-rating", "4.5", "-delivery", "-format", "csv"}, io.Discard)
	require.NoError(t, err)
	require.NoError(t, applyOverrides(cfg, f))

	assert.Equal(t, 10, cfg.MaxAds)
	assert.Equal(t, "1-2", cfg.Filters.Price, "unset flags must not clobber the file")
	assert.Equal(t, "01-01-2020", cfg.Filters.RegDate)
	assert.Empty(t, cfg.Filters.RegDateFrom)
	require.NotNil(t, cfg.Filters.MinRating)
	assert.Equal(t, 4.5, *cfg.Filters.MinRating)
	assert.True(t, cfg.Filters.Delivery)
	assert.Equal(t, "csv", cfg.Output.Format)
}

func TestApplyOverrides_BadRating(t *testing.T) {
	f, err := parseFlags([]string{"-min-rating", "high"}, io.Discard)
	require.NoError(t, err)

	err = applyOverrides(&config.AppConfig{}, f)
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()
	cats := filepath.Join(dir, "categories.txt")
	require.NoError(t, os.WriteFile(cats, []byte("https://market.test/c/sofas\n\nhttps://market.test/c/tables\n"), 0644))

	cfg := &config.AppConfig{CategoriesFile: cats, MaxAds: 5, StateDir: dir}
	cfg.Filters.Price = "100-500"
	_, err := cfg.Validate()
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	in, err := loadInputs(cfg, log)
	require.NoError(t, err)
	assert.Len(t, in.categories, 2)
	assert.Empty(t, in.proxies)
	assert.False(t, in.filters.IsEmpty())
}

func TestRun_ConfigErrorExitCode(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	assert.Equal(t, exitConfig, run([]string{"-config", missing, "-loglevel", "error"}))
	assert.Equal(t, exitConfig, run([]string{"-unknown-flag"}))
}

func quietEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestLogResumeState(t *testing.T) {
	dir := t.TempDir()
	first, err := storage.NewBadgerStore(context.Background(), dir, "listings", false, quietEntry())
	require.NoError(t, err)
	require.NoError(t, first.UpdateAdStatus("https://market.test/ad/1", &models.AdDBEntry{Status: models.AdStatusAccepted}))
	require.NoError(t, first.UpdateAdStatus("https://market.test/ad/2", &models.AdDBEntry{Status: models.AdStatusFailed}))
	require.NoError(t, first.Close())

	store, err := storage.NewBadgerStore(context.Background(), dir, "listings", true, quietEntry())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, hook := logtest.NewNullLogger()
	logResumeState(context.Background(), store, logger)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Data["known"])
	assert.Equal(t, 1, entry.Data["accepted"])
	assert.Equal(t, 1, entry.Data["failed"])
	assert.Equal(t, 2, seenCount(store))
}
