package db

import (
	"context"
	"testing"

	"court_spider/internal/config"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestOpen_NoBackend(t *testing.T) {
	store, err := Open(config.DBConfig{}, logrus.New())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.RecordOutcome(ctx, models.Outcome{Key: "102345-6"}))
	require.NoError(t, store.RecordRun(ctx, models.RunState{RunID: "r1"}))

	_, err = store.LastRuns(ctx, "", 10)
	require.ErrorIs(t, err, ErrNoBackend)
	require.NoError(t, store.Close(ctx))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(config.DBConfig{Backend: "sqlite"}, logrus.New())
	require.EqualError(t, err, `unknown db backend "sqlite"`)
}

func TestOpen_BadConnectionStrings(t *testing.T) {
	_, err := Open(config.DBConfig{Backend: config.BackendPostgres, Connection: "postgres://%zz"}, logrus.New())
	require.ErrorContains(t, err, "invalid database URL")

	_, err = Open(config.DBConfig{Backend: config.BackendMongo, Connection: "notmongo://x"}, logrus.New())
	require.ErrorContains(t, err, "failed to connect to MongoDB")
}
