package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/annel0/mmo-territory/internal/territory"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLog отдельное хранилище записей аудита передач клеток
type AuditLog interface {
	Record(ctx context.Context, rec territory.TransferRecord) error
	List(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error)
	Close() error
}

// MongoConfig contains connection settings for the MongoDB audit log.
type MongoConfig struct {
	URI        string `yaml:"uri"`        // e.g. mongodb://localhost:27017
	Database   string `yaml:"database"`   // e.g. territory
	Collection string `yaml:"collection"` // e.g. cell_transfers
}

// MongoAuditLog implements AuditLog on a MongoDB collection.
type MongoAuditLog struct {
	client     *mongo.Client
	collection *mongo.Collection
	ctxTimeout time.Duration
}

type transferDoc struct {
	ID        string    `bson:"_id"`
	World     string    `bson:"world"`
	X         int       `bson:"x"`
	Z         int       `bson:"z"`
	FromClaim int64     `bson:"from_claim"`
	ToClaim   int64     `bson:"to_claim"`
	ToPlayer  string    `bson:"to_player"`
	Actor     string    `bson:"actor"`
	Kind      string    `bson:"kind"`
	At        time.Time `bson:"at"`
}

// NewMongoAuditLog establishes connection and ensures indexes.
func NewMongoAuditLog(cfg MongoConfig) (*MongoAuditLog, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "territory"
	}
	if cfg.Collection == "" {
		cfg.Collection = "cell_transfers"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	log := &MongoAuditLog{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		ctxTimeout: 5 * time.Second,
	}
	if err := log.ensureIndexes(); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return log, nil
}

func (m *MongoAuditLog) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	cellIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "world", Value: 1}, {Key: "x", Value: 1}, {Key: "z", Value: 1}, {Key: "at", Value: -1}},
		Options: options.Index().SetName("cell_at"),
	}
	claimIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "from_claim", Value: 1}},
		Options: options.Index().SetName("from_claim"),
	}
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{cellIdx, claimIdx})
	return err
}

// Record inserts an audit document.
func (m *MongoAuditLog) Record(ctx context.Context, rec territory.TransferRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()
	_, err := m.collection.InsertOne(ctx, transferDoc{
		ID:        rec.ID,
		World:     rec.Cell.World,
		X:         rec.Cell.X,
		Z:         rec.Cell.Z,
		FromClaim: rec.FromClaim,
		ToClaim:   rec.ToClaim,
		ToPlayer:  rec.ToPlayer.String(),
		Actor:     rec.Actor.String(),
		Kind:      string(rec.Kind),
		At:        rec.At,
	})
	return err
}

// List returns the newest records for a cell first.
func (m *MongoAuditLog) List(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, m.ctxTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.collection.Find(ctx, bson.M{"world": cell.World, "x": cell.X, "z": cell.Z}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []territory.TransferRecord
	for cur.Next(ctx) {
		var doc transferDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec := territory.TransferRecord{
			ID:        doc.ID,
			Cell:      territory.CellKey{World: doc.World, X: doc.X, Z: doc.Z},
			FromClaim: doc.FromClaim,
			ToClaim:   doc.ToClaim,
			Kind:      territory.TransferKind(doc.Kind),
			At:        doc.At,
		}
		rec.ToPlayer, _ = uuid.Parse(doc.ToPlayer)
		rec.Actor, _ = uuid.Parse(doc.Actor)
		out = append(out, rec)
	}
	return out, cur.Err()
}

// Close disconnects the client.
func (m *MongoAuditLog) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// auditedRepository дублирует аудит во внешний журнал
type auditedRepository struct {
	Repository
	log AuditLog
}

// WithAuditLog оборачивает репозиторий: записи аудита пишутся в оба хранилища,
// история читается из журнала. Ошибка журнала не прерывает операцию.
func WithAuditLog(repo Repository, log AuditLog) Repository {
	if log == nil {
		return repo
	}
	return &auditedRepository{Repository: repo, log: log}
}

func (a *auditedRepository) RecordTransfer(ctx context.Context, rec territory.TransferRecord) error {
	if err := a.Repository.RecordTransfer(ctx, rec); err != nil {
		return err
	}
	if err := a.log.Record(ctx, rec); err != nil {
		logging.GetStorageLogger().Warn("⚠️ Журнал аудита недоступен, запись %s для %s сохранена только в основном хранилище: %v",
			rec.ID, rec.Cell, err)
	}
	return nil
}

func (a *auditedRepository) ListTransfers(ctx context.Context, cell territory.CellKey, limit int) ([]territory.TransferRecord, error) {
	recs, err := a.log.List(ctx, cell, limit)
	if err != nil {
		logging.GetStorageLogger().Warn("⚠️ Чтение журнала аудита не удалось, используем основное хранилище: %v", err)
		return a.Repository.ListTransfers(ctx, cell, limit)
	}
	return recs, nil
}

func (a *auditedRepository) Close() error {
	logErr := a.log.Close()
	if err := a.Repository.Close(); err != nil {
		return err
	}
	return logErr
}
