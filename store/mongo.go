package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homewatch/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps alerts and readings in the "alerts" and "sensor_readings" collections
type MongoStore struct {
	client   *mongo.Client
	alerts   *mongo.Collection
	readings *mongo.Collection
}

type readingDoc struct {
	SensorID   string    `bson:"sensor_id"`
	SensorType string    `bson:"sensor_type"`
	Room       string    `bson:"room"`
	Value      float64   `bson:"value"`
	Timestamp  time.Time `bson:"timestamp"`
	SequenceNo int64     `bson:"sequence_no"`
}

// OpenMongo connects and ensures the indexes the alert queries rely on
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		alerts:   db.Collection("alerts"),
		readings: db.Collection("sensor_readings"),
	}

	_, err = s.alerts.Indexes().CreateMany(cctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "alert_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "sensor_id", Value: 1}, {Key: "sensor_type", Value: 1}, {Key: "violation_type", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Insert(ctx context.Context, a *models.Alert) (string, error) {
	_, err := s.alerts.InsertOne(ctx, a)
	observe("insert", err)
	if err != nil {
		return "", fmt.Errorf("insert alert %s: %w", a.AlertID, err)
	}
	return a.AlertID, nil
}

func (s *MongoStore) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	var a models.Alert
	err := s.alerts.FindOne(ctx, bson.M{"alert_id": alertID}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = ErrNotFound
	}
	observe("get", err)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateStatus applies the transition with a filter on the current status so a
// concurrent change is never overwritten
func (s *MongoStore) UpdateStatus(ctx context.Context, alertID string, status models.AlertStatus, actor string, at time.Time) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := s.Get(ctx, alertID)
		if err != nil {
			return false, err
		}
		previous := a.Status
		changed, err := a.ApplyStatus(status, actor, at)
		if err != nil || !changed {
			return false, err
		}

		res, err := s.alerts.UpdateOne(ctx,
			bson.M{"alert_id": alertID, "status": previous},
			bson.M{"$set": bson.M{
				"status":          a.Status,
				"acknowledged":    a.Acknowledged,
				"acknowledged_by": a.AcknowledgedBy,
				"acknowledged_at": a.AcknowledgedAt,
				"resolved":        a.Resolved,
				"resolved_at":     a.ResolvedAt,
			}})
		observe("update_status", err)
		if err != nil {
			return false, fmt.Errorf("update alert %s: %w", alertID, err)
		}
		if res.ModifiedCount == 1 {
			return true, nil
		}
	}
	return false, fmt.Errorf("update alert %s: concurrent modification", alertID)
}

func (s *MongoStore) FindRecent(ctx context.Context, key models.CooldownKey, since time.Time) (*models.Alert, error) {
	var a models.Alert
	err := s.alerts.FindOne(ctx,
		bson.M{
			"sensor_id":      key.SensorID,
			"sensor_type":    key.SensorType,
			"violation_type": key.ViolationType,
			"created_at":     bson.M{"$gte": since},
		},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		observe("find_recent", nil)
		return nil, nil
	}
	observe("find_recent", err)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *MongoStore) List(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if filter.Room != "" {
		q["room"] = filter.Room
	}
	if filter.Severity != "" {
		q["severity"] = filter.Severity
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(listLimit(filter)))

	cur, err := s.alerts.Find(ctx, q, opts)
	if err != nil {
		observe("list", err)
		return nil, err
	}
	var out []*models.Alert
	err = cur.All(ctx, &out)
	observe("list", err)
	return out, err
}

func (s *MongoStore) InsertReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	docs := make([]any, 0, len(readings))
	for _, r := range readings {
		docs = append(docs, readingDoc{
			SensorID:   r.SensorID,
			SensorType: string(r.SensorType),
			Room:       r.Room,
			Value:      r.Value,
			Timestamp:  r.Timestamp,
			SequenceNo: r.SequenceNo,
		})
	}
	_, err := s.readings.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	observe("insert_readings", err)
	return err
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
