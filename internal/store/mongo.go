package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	colScanners  = "scanners"
	colCallers   = "callers"
	colResults   = "scan_results"
	colRetry     = "long_term_retry_tasks"
	colParking   = "error_parking"
	colTaskStats = "task_stats"
)

// Mongo implements Store on a MongoDB database.
type Mongo struct {
	db  *mongo.Database
	now func() time.Time
}

var _ Store = (*Mongo)(nil)

// NewMongo connects and pings the deployment.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Mongo{db: client.Database(database), now: time.Now}, nil
}

// Close disconnects the underlying client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.db.Client().Disconnect(ctx)
}

func (m *Mongo) ScannerConfig(ctx context.Context, id string) (ScannerConfig, error) {
	var cfg ScannerConfig
	err := m.db.Collection(colScanners).FindOne(ctx, bson.M{"_id": id}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ScannerConfig{}, fmt.Errorf("scanner %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return ScannerConfig{}, err
	}
	return cfg, nil
}

func (m *Mongo) DefaultScanner(ctx context.Context, scannerType string) (ScannerConfig, error) {
	var cfg ScannerConfig
	filter := bson.M{"scanner_type": scannerType, "default_scanner": true}
	err := m.db.Collection(colScanners).FindOne(ctx, filter).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ScannerConfig{}, fmt.Errorf("default scanner for type %q: %w", scannerType, ErrNotFound)
	}
	if err != nil {
		return ScannerConfig{}, err
	}
	return cfg, nil
}

func (m *Mongo) RegisterScanner(ctx context.Context, cfg ScannerConfig) (ScannerConfig, error) {
	col := m.db.Collection(colScanners)
	if cfg.Default {
		filter := bson.M{
			"scanner_type":    cfg.Type,
			"default_scanner": true,
			"name":            bson.M{"$ne": cfg.Name},
		}
		if err := col.FindOne(ctx, filter).Err(); err == nil {
			return ScannerConfig{}, fmt.Errorf("type %q: %w", cfg.Type, ErrDuplicateDefault)
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return ScannerConfig{}, err
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	update := bson.M{
		"$set": bson.M{
			"scanner_type":            cfg.Type,
			"active":                  cfg.Active,
			"default_scanner":         cfg.Default,
			"time_valid_response":     cfg.CacheTTLSeconds,
			"max_wait_time_for_cache": cfg.MaxCacheWaitSeconds,
			"args":                    cfg.Args,
		},
		"$setOnInsert": bson.M{"_id": cfg.ID},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var out ScannerConfig
	err := col.FindOneAndUpdate(ctx, bson.M{"name": cfg.Name}, update, opts).Decode(&out)
	if err != nil {
		return ScannerConfig{}, err
	}
	return out, nil
}

func (m *Mongo) CallerPolicy(ctx context.Context, owner string) (CallerPolicy, error) {
	var p CallerPolicy
	err := m.db.Collection(colCallers).FindOne(ctx, bson.M{"_id": owner}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CallerPolicy{}, fmt.Errorf("caller %q: %w", owner, ErrNotFound)
	}
	if err != nil {
		return CallerPolicy{}, err
	}
	return p, nil
}

func (m *Mongo) LatestResult(ctx context.Context, f ResultFilter) (*ScanResult, error) {
	filter := bson.M{"ooi": f.OOI, "scanner": f.Scanner}
	for k, v := range f.Extra {
		filter["extra."+k] = v
	}
	if !f.Since.IsZero() {
		filter["created"] = bson.M{"$gte": f.Since}
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created", Value: -1}}).
		SetReturnDocument(options.After)
	var r ScanResult
	err := m.db.Collection(colResults).
		FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"access_counter": 1}}, opts).
		Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *Mongo) SaveResult(ctx context.Context, r *ScanResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now().UTC()
	}
	_, err := m.db.Collection(colResults).InsertOne(ctx, r)
	return err
}

func (m *Mongo) MergeResultTags(ctx context.Context, id string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	res, err := m.db.Collection(colResults).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"tags": bson.M{"$each": tags}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("result %q: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) Backpropagate(ctx context.Context, collection string, parentIDs []string, field, resultID string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	_, err := m.db.Collection(collection).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": parentIDs}},
		bson.M{"$addToSet": bson.M{"backpropagation." + field: resultID}})
	return err
}

func (m *Mongo) RetryTaskByParent(ctx context.Context, parentID string) (RetryTask, error) {
	var t RetryTask
	err := m.db.Collection(colRetry).FindOne(ctx, bson.M{"parent_task_id": parentID}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return RetryTask{}, fmt.Errorf("retry task for %q: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return RetryTask{}, err
	}
	return t, nil
}

func (m *Mongo) UpsertRetryTask(ctx context.Context, parentID string, u RetryUpsert) error {
	now := m.now().UTC()
	update := bson.M{
		"$set": bson.M{
			"status":         RetryPending,
			"day_retries":    u.DayRetries,
			"next_execution": u.NextExecution,
			"continuation":   u.Continuation,
			"last_changed":   now,
		},
		"$setOnInsert": bson.M{
			"_id":             uuid.NewString(),
			"parent_task_id":  parentID,
			"max_day_retries": u.MaxDayRetries,
			"create":          now,
		},
	}
	_, err := m.db.Collection(colRetry).UpdateOne(ctx,
		bson.M{"parent_task_id": parentID}, update, options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) SetRetryStatus(ctx context.Context, parentID string, s RetryStatus) error {
	res, err := m.db.Collection(colRetry).UpdateOne(ctx,
		bson.M{"parent_task_id": parentID},
		bson.M{"$set": bson.M{"status": s, "last_changed": m.now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("retry task for %q: %w", parentID, ErrNotFound)
	}
	return nil
}

func (m *Mongo) DueRetryTasks(ctx context.Context, now time.Time) ([]RetryTask, error) {
	filter := bson.M{
		"status":         RetryPending,
		"next_execution": bson.M{"$lte": now},
	}
	cur, err := m.db.Collection(colRetry).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "next_execution", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var tasks []RetryTask
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (m *Mongo) MarkRetryRestarted(ctx context.Context, id, childTaskID string) error {
	res, err := m.db.Collection(colRetry).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":  bson.M{"status": RetryRestarted, "last_changed": m.now().UTC()},
			"$push": bson.M{"children": childTaskID},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("retry task %q: %w", id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) Park(ctx context.Context, p *Parking) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Created.IsZero() {
		p.Created = m.now().UTC()
	}
	_, err := m.db.Collection(colParking).InsertOne(ctx, p)
	return err
}

func (m *Mongo) SaveTaskStats(ctx context.Context, s *TaskStats) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := m.db.Collection(colTaskStats).InsertOne(ctx, s)
	return err
}
