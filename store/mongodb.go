package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/akriventsev/adsaga/saga"
)

// MongoConfig конфигурация MongoDB хранилища
type MongoConfig struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// DefaultMongoConfig возвращает конфигурацию по умолчанию
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "adsaga",
		Collection:     "saga_instances",
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("Database cannot be empty")
	}
	if c.Collection == "" {
		return fmt.Errorf("Collection cannot be empty")
	}
	return nil
}

// mongoDocument обертка документа: снимок хранится JSON-байтами,
// поля для фильтров продублированы на верхнем уровне
type mongoDocument struct {
	CorrelationID string    `bson:"_id"`
	CurrentState  string    `bson:"current_state"`
	Version       int64     `bson:"version"`
	Data          []byte    `bson:"data"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

// MongoStore хранилище экземпляров саг в MongoDB.
// Проверка версии в Save — compare-and-swap по фильтру {_id, version}.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore создает хранилище и проверяет соединение
func NewMongoStore(ctx context.Context, config MongoConfig) (*MongoStore, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongo config: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
	}, nil
}

// Close отключает клиент MongoDB
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Create сохраняет новый экземпляр
func (s *MongoStore) Create(ctx context.Context, inst *saga.Instance) error {
	doc, err := toDocument(inst)
	if err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return saga.ErrDuplicateInstance
		}
		return fmt.Errorf("failed to insert saga instance: %w", err)
	}
	return nil
}

// GetByCorrelationID загружает экземпляр по correlation id
func (s *MongoStore) GetByCorrelationID(ctx context.Context, correlationID string) (*saga.Instance, error) {
	var doc mongoDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": correlationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, saga.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find saga instance: %w", err)
	}
	return fromDocument(&doc)
}

// Save сохраняет экземпляр с проверкой версии
func (s *MongoStore) Save(ctx context.Context, inst *saga.Instance) error {
	expected := inst.Version
	next := inst.Clone()
	next.Version = expected + 1

	doc, err := toDocument(next)
	if err != nil {
		return err
	}

	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": next.CorrelationID, "version": expected},
		bson.M{"$set": bson.M{
			"current_state": doc.CurrentState,
			"version":       doc.Version,
			"data":          doc.Data,
			"updated_at":    doc.UpdatedAt,
		}})
	if err != nil {
		return fmt.Errorf("failed to update saga instance: %w", err)
	}

	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": next.CorrelationID})
		if err != nil {
			return fmt.Errorf("failed to check saga instance existence: %w", err)
		}
		if count == 0 {
			return saga.ErrNotFound
		}
		return saga.ErrVersionConflict
	}

	inst.Version = next.Version
	return nil
}

// ListStale возвращает нетерминальные экземпляры, не обновлявшиеся
// с указанного момента
func (s *MongoStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*saga.Instance, error) {
	filter := bson.M{
		"current_state": bson.M{"$nin": []string{
			string(saga.StateCompleted),
			string(saga.StateFailed),
			string(saga.StateCompensated),
			string(saga.StateFailedFinalization),
		}},
		"updated_at": bson.M{"$lte": olderThan},
	}
	opts := options.Find().
		SetSort(bson.M{"updated_at": 1}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sagas: %w", err)
	}
	defer cursor.Close(ctx)

	var stale []*saga.Instance
	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode saga document: %w", err)
		}
		inst, err := fromDocument(&doc)
		if err != nil {
			return nil, err
		}
		stale = append(stale, inst)
	}
	return stale, cursor.Err()
}

func toDocument(inst *saga.Instance) (*mongoDocument, error) {
	data, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal saga instance: %w", err)
	}
	return &mongoDocument{
		CorrelationID: inst.CorrelationID,
		CurrentState:  string(inst.CurrentState),
		Version:       inst.Version,
		Data:          data,
		UpdatedAt:     inst.UpdatedAt,
	}, nil
}

func fromDocument(doc *mongoDocument) (*saga.Instance, error) {
	var inst saga.Instance
	if err := json.Unmarshal(doc.Data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga instance: %w", err)
	}
	return &inst, nil
}
