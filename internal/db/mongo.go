package db

import (
	"context"
	"fmt"
	"time"

	"court_spider/internal/config"
	"court_spider/internal/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	outcomes *mongo.Collection
	runs     *mongo.Collection
	log      logrus.FieldLogger
}

func NewMongoDB(cfg config.DBConfig, log logrus.FieldLogger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	d := &MongoDB{
		client:   client,
		database: db,
		outcomes: db.Collection(cfg.Collections.Outcomes),
		runs:     db.Collection(cfg.Collections.Runs),
		log:      log,
	}
	d.createIndexes(ctx)
	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{d.outcomes, mongo.IndexModel{Keys: bson.D{{Key: "source", Value: 1}, {Key: "key", Value: 1}}}},
		{d.outcomes, mongo.IndexModel{Keys: bson.D{{Key: "run_id", Value: 1}}}},
		{d.runs, mongo.IndexModel{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "source", Value: 1}, {Key: "listing", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{d.runs, mongo.IndexModel{Keys: bson.D{{Key: "finished_at", Value: -1}}}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			d.log.WithError(err).WithField("collection", ix.coll.Name()).Warn("failed to create index")
		}
	}
}

func (d *MongoDB) RecordOutcome(ctx context.Context, o models.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := d.outcomes.InsertOne(ctx, o)
	return err
}

func (d *MongoDB) RecordRun(ctx context.Context, r models.RunState) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"run_id": r.RunID, "source": r.Source, "listing": r.Listing}
	_, err := d.runs.UpdateOne(ctx, filter, bson.M{"$set": r}, options.Update().SetUpsert(true))
	return err
}

// LastRuns returns the most recently finished listings of source, newest first.
func (d *MongoDB) LastRuns(ctx context.Context, source string, limit int) ([]models.RunState, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{}
	if source != "" {
		filter["source"] = source
	}
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := d.runs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find runs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []models.RunState
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// StatusCounts aggregates recorded outcomes of source by artifact status.
func (d *MongoDB) StatusCounts(ctx context.Context, source string) (map[models.ArtifactStatus]int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "source", Value: source}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := d.outcomes.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status models.ArtifactStatus `bson:"_id"`
		Count  int                   `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	counts := make(map[models.ArtifactStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (d *MongoDB) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
