// Package mongo is the durable Store backed by MongoDB. Unique indexes
// enforce the reference keys and multi-document transactions give each
// Tx all-or-nothing semantics, so the server must run as a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/store"
)

const (
	collSystems    = "systems"
	collTalkgroups = "talkgroups"
	collUnits      = "radio_units"
	collCalls      = "calls"
	collCounters   = "counters"
)

// Config holds connection settings.
type Config struct {
	URI      string
	Database string
}

// Store wraps the MongoDB client and database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger zerolog.Logger
}

// Connect opens a client, pings the server and ensures indexes exist.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info().Str("database", cfg.Database).Msg("Connected to MongoDB")
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func() *options.IndexOptions { return options.Index().SetUnique(true) }
	indexes := map[string][]mongo.IndexModel{
		collSystems: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique()},
		},
		collTalkgroups: {
			{Keys: bson.D{{Key: "system_id", Value: 1}, {Key: "tg_number", Value: 1}}, Options: unique()},
		},
		collUnits: {
			{Keys: bson.D{{Key: "system_id", Value: 1}, {Key: "unit_id", Value: 1}}, Options: unique()},
		},
		collCalls: {
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "talkgroup_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "audio_path", Value: 1}}},
		},
	}
	for coll, idx := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to disconnect from MongoDB")
		return err
	}
	s.logger.Info().Msg("Disconnected from MongoDB")
	return nil
}

// Begin starts a session with an open transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := sess.StartTransaction(); err != nil {
		sess.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	return &tx{s: s, sess: sess}, nil
}

// nextID allocates a sequence value outside the transaction, so aborted
// inserts leave gaps.
func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %w", name, err)
	}
	return doc.Seq, nil
}

type tx struct {
	s    *Store
	sess mongo.Session
	done bool
}

func (t *tx) sc(ctx context.Context) (mongo.SessionContext, error) {
	if t.done {
		return nil, store.ErrTxDone
	}
	return mongo.NewSessionContext(ctx, t.sess), nil
}

func (t *tx) coll(name string) *mongo.Collection {
	return t.s.db.Collection(name)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	defer t.sess.EndSession(ctx)
	if err := t.sess.CommitTransaction(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.sess.EndSession(ctx)
	return t.sess.AbortTransaction(ctx)
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case hasLabel(err, "UnknownTransactionCommitResult"):
		return fmt.Errorf("%w: %v", store.ErrCommitUnknown, err)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	case hasLabel(err, "TransientTransactionError"):
		// Racing inserts inside transactions fail with a write conflict
		// before the unique index is consulted.
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	default:
		return err
	}
}

func hasLabel(err error, label string) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(label)
}

func (t *tx) findOne(ctx context.Context, coll string, filter any, out any) error {
	sc, err := t.sc(ctx)
	if err != nil {
		return err
	}
	return mapErr(t.coll(coll).FindOne(sc, filter).Decode(out))
}

func (t *tx) insert(ctx context.Context, coll string, doc any) error {
	sc, err := t.sc(ctx)
	if err != nil {
		return err
	}
	_, err = t.coll(coll).InsertOne(sc, doc)
	return mapErr(err)
}

func (t *tx) replace(ctx context.Context, coll string, id int64, doc any) error {
	sc, err := t.sc(ctx)
	if err != nil {
		return err
	}
	res, err := t.coll(coll).ReplaceOne(sc, bson.M{"_id": id}, doc)
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func find[T any](ctx context.Context, t *tx, coll string, filter any, opts ...*options.FindOptions) ([]T, error) {
	sc, err := t.sc(ctx)
	if err != nil {
		return nil, err
	}
	cur, err := t.coll(coll).Find(sc, filter, opts...)
	if err != nil {
		return nil, mapErr(err)
	}
	var out []T
	if err := cur.All(sc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Systems

func (t *tx) GetSystem(ctx context.Context, id int64) (*models.System, error) {
	var sys models.System
	if err := t.findOne(ctx, collSystems, bson.M{"_id": id}, &sys); err != nil {
		return nil, err
	}
	return &sys, nil
}

func (t *tx) FindSystemByName(ctx context.Context, name string) (*models.System, error) {
	var sys models.System
	if err := t.findOne(ctx, collSystems, bson.M{"name": name}, &sys); err != nil {
		return nil, err
	}
	return &sys, nil
}

func (t *tx) InsertSystem(ctx context.Context, sys *models.System) error {
	id, err := t.s.nextID(ctx, collSystems)
	if err != nil {
		return err
	}
	sys.ID = id
	return t.insert(ctx, collSystems, sys)
}

func (t *tx) UpdateSystem(ctx context.Context, sys *models.System) error {
	return t.replace(ctx, collSystems, sys.ID, sys)
}

func (t *tx) ListSystems(ctx context.Context) ([]models.System, error) {
	return find[models.System](ctx, t, collSystems, bson.M{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
}

// Talkgroups

func (t *tx) GetTalkgroup(ctx context.Context, id int64) (*models.Talkgroup, error) {
	var tg models.Talkgroup
	if err := t.findOne(ctx, collTalkgroups, bson.M{"_id": id}, &tg); err != nil {
		return nil, err
	}
	return &tg, nil
}

func (t *tx) FindTalkgroup(ctx context.Context, systemID int64, number int) (*models.Talkgroup, error) {
	var tg models.Talkgroup
	if err := t.findOne(ctx, collTalkgroups, bson.M{"system_id": systemID, "tg_number": number}, &tg); err != nil {
		return nil, err
	}
	return &tg, nil
}

func (t *tx) InsertTalkgroup(ctx context.Context, tg *models.Talkgroup) error {
	id, err := t.s.nextID(ctx, collTalkgroups)
	if err != nil {
		return err
	}
	tg.ID = id
	return t.insert(ctx, collTalkgroups, tg)
}

func (t *tx) UpdateTalkgroup(ctx context.Context, tg *models.Talkgroup) error {
	return t.replace(ctx, collTalkgroups, tg.ID, tg)
}

func (t *tx) ListTalkgroups(ctx context.Context, systemID int64) ([]models.Talkgroup, error) {
	return find[models.Talkgroup](ctx, t, collTalkgroups, bson.M{"system_id": systemID},
		options.Find().SetSort(bson.D{{Key: "tg_number", Value: 1}}))
}

// Units

func (t *tx) GetUnit(ctx context.Context, id int64) (*models.RadioUnit, error) {
	var u models.RadioUnit
	if err := t.findOne(ctx, collUnits, bson.M{"_id": id}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *tx) FindUnit(ctx context.Context, systemID int64, number int) (*models.RadioUnit, error) {
	var u models.RadioUnit
	if err := t.findOne(ctx, collUnits, bson.M{"system_id": systemID, "unit_id": number}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *tx) InsertUnit(ctx context.Context, u *models.RadioUnit) error {
	id, err := t.s.nextID(ctx, collUnits)
	if err != nil {
		return err
	}
	u.ID = id
	return t.insert(ctx, collUnits, u)
}

func (t *tx) UpdateUnit(ctx context.Context, u *models.RadioUnit) error {
	return t.replace(ctx, collUnits, u.ID, u)
}

func (t *tx) ListUnits(ctx context.Context, systemID int64) ([]models.RadioUnit, error) {
	return find[models.RadioUnit](ctx, t, collUnits, bson.M{"system_id": systemID},
		options.Find().SetSort(bson.D{{Key: "unit_id", Value: 1}}))
}

// Calls

func (t *tx) InsertCall(ctx context.Context, c *models.Call) error {
	id, err := t.s.nextID(ctx, collCalls)
	if err != nil {
		return err
	}
	c.ID = id
	return t.insert(ctx, collCalls, c)
}

func (t *tx) GetCall(ctx context.Context, id int64) (*models.Call, error) {
	var c models.Call
	if err := t.findOne(ctx, collCalls, bson.M{"_id": id}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *tx) UpdateCall(ctx context.Context, c *models.Call) error {
	return t.replace(ctx, collCalls, c.ID, c)
}

func (t *tx) SearchCalls(ctx context.Context, f store.CallFilter) ([]models.Call, int, error) {
	filter := callFilter(f)

	sc, err := t.sc(ctx)
	if err != nil {
		return nil, 0, err
	}
	total, err := t.coll(collCalls).CountDocuments(sc, filter)
	if err != nil {
		return nil, 0, mapErr(err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(max(f.Offset, 0)))
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	calls, err := find[models.Call](ctx, t, collCalls, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	return calls, int(total), nil
}

func (t *tx) CallExistsForAudioPath(ctx context.Context, path string) (bool, error) {
	sc, err := t.sc(ctx)
	if err != nil {
		return false, err
	}
	n, err := t.coll(collCalls).CountDocuments(sc, bson.M{"audio_path": path}, options.Count().SetLimit(1))
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// callFilter translates a CallFilter into a query document.
func callFilter(f store.CallFilter) bson.M {
	filter := bson.M{}
	if f.SystemID != nil {
		filter["system_id"] = *f.SystemID
	}
	if f.TalkgroupID != nil {
		filter["talkgroup_id"] = *f.TalkgroupID
	}
	if f.UnitID != nil {
		filter["unit_id"] = *f.UnitID
	}
	ts := bson.M{}
	if f.Since != nil {
		ts["$gte"] = *f.Since
	}
	if f.Until != nil {
		ts["$lte"] = *f.Until
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	conf := bson.M{}
	if f.MinConfidence != nil {
		conf["$gte"] = *f.MinConfidence
	}
	if f.MaxConfidence != nil {
		conf["$lte"] = *f.MaxConfidence
	}
	if len(conf) > 0 {
		filter["confidence"] = conf
	}
	if f.NeedsReview != nil {
		filter["needs_review"] = *f.NeedsReview
	}
	return filter
}
