package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	// ProfilesCollection holds one document per scraped ID
	ProfilesCollection = "users"

	streamBatchSize    = 5000
	defaultSearchLimit = 200
)

// Count categories accepted by CountProfiles.
const (
	CategorySupport       = "support"
	CategoryBanned        = "banned"
	CategoryTotal         = "total"
	CategoryFoundByWorker = "foundByWorker"
)

// ErrInvalidCategory is returned for an unknown count or search category.
var ErrInvalidCategory = errors.New("invalid category")

// Index names created by EnsureIndexes.
const (
	IDIndexName       = "id_1"
	NicknameIndexName = "nickname_text"
)

// CountFilter selects the documents counted by CountProfiles.
type CountFilter struct {
	Category string
	WorkerID string
}

// DocumentRef identifies one stored document of a duplicate group.
type DocumentRef struct {
	DocID     string    `bson:"-"`
	ObjectID  any       `bson:"ref"`
	ScrapedAt time.Time `bson:"scrapedAt"`
}

// DuplicateGroup is every document sharing one profile ID.
type DuplicateGroup struct {
	ID      int64         `bson:"_id"`
	Members []DocumentRef `bson:"members"`
}

// Search types understood by Search.
const (
	SearchByID       = "id"
	SearchByNickname = "nickname"
	SearchByStatus   = "status"
	SearchByLetter   = "letter"
)

// SearchQuery describes a profile lookup from the admin surface.
type SearchQuery struct {
	Type  string
	Query string
	Limit int64
}

// ProfileStore is the MongoDB result sink.
type ProfileStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Connect opens a client, verifies it with a ping and returns the store.
func Connect(ctx context.Context, uri, database string) (*ProfileStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect result store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping result store: %w", err)
	}

	log.Info().Str("database", database).Msg("Connected to result store")

	store := NewProfileStore(client.Database(database))
	store.client = client
	return store, nil
}

// NewProfileStore wraps an existing database handle.
func NewProfileStore(db *mongo.Database) *ProfileStore {
	return &ProfileStore{collection: db.Collection(ProfilesCollection)}
}

// Close disconnects the client when the store owns it.
func (s *ProfileStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// Ping checks the connection for health endpoints.
func (s *ProfileStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}

func upsertModel(p Profile) mongo.WriteModel {
	return mongo.NewUpdateOneModel().
		SetFilter(bson.M{"id": p.ID}).
		SetUpdate(bson.M{"$set": p.setDocument()}).
		SetUpsert(true)
}

// BulkUpsert writes all profiles in one unordered bulk operation.
func (s *ProfileStore) BulkUpsert(ctx context.Context, profiles []Profile) error {
	if len(profiles) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, len(profiles))
	for i, p := range profiles {
		models[i] = upsertModel(p)
	}

	// Unordered so one bad document does not block the rest
	_, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

// UpsertOne writes a single profile.
func (s *ProfileStore) UpsertOne(ctx context.Context, p Profile) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"id": p.ID},
		bson.M{"$set": p.setDocument()},
		options.Update().SetUpsert(true),
	)
	return err
}

// EnsureIndexes creates the unique ID index and the nickname text index.
// Indexes that already exist are not an error.
func (s *ProfileStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(IDIndexName),
		},
		{
			Keys:    bson.D{{Key: "nickname", Value: "text"}},
			Options: options.Index().SetName(NicknameIndexName),
		},
	}

	var errs []error
	for _, model := range models {
		if _, err := s.collection.Indexes().CreateOne(ctx, model); err != nil {
			if isIndexExistsError(err) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isIndexExistsError(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 68, 85, 86: // IndexAlreadyExists, IndexOptionsConflict, IndexKeySpecsConflict
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// MaxFoundID returns the highest ID of an existing profile, or 0.
func (s *ProfileStore) MaxFoundID(ctx context.Context) (int64, error) {
	var doc struct {
		ID int64 `bson:"id"`
	}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "id", Value: -1}}).
		SetProjection(bson.M{"id": 1, "_id": 0})
	err := s.collection.FindOne(ctx, bson.M{"status": bson.M{"$ne": StatusNotFound}}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("find max id: %w", err)
	}
	return doc.ID, nil
}

// StreamIDs calls fn for every stored ID up to max, found or not.
func (s *ProfileStore) StreamIDs(ctx context.Context, max int64, fn func(id int64) error) error {
	opts := options.Find().
		SetProjection(bson.M{"id": 1, "_id": 0}).
		SetBatchSize(streamBatchSize)
	cursor, err := s.collection.Find(ctx, bson.M{"id": bson.M{"$lte": max}}, opts)
	if err != nil {
		return fmt.Errorf("stream ids: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc struct {
			ID int64 `bson:"id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}
		if err := fn(doc.ID); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// DuplicateGroups returns every ID stored more than once.
func (s *ProfileStore) DuplicateGroups(ctx context.Context) ([]DuplicateGroup, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$id"},
			{Key: "members", Value: bson.D{{Key: "$push", Value: bson.D{
				{Key: "ref", Value: "$_id"},
				{Key: "scrapedAt", Value: "$scrapedAt"},
			}}}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "count", Value: bson.D{{Key: "$gt", Value: 1}}}}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return nil, fmt.Errorf("aggregate duplicates: %w", err)
	}
	defer cursor.Close(ctx)

	var groups []DuplicateGroup
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("decode duplicates: %w", err)
	}
	for gi := range groups {
		for mi := range groups[gi].Members {
			m := &groups[gi].Members[mi]
			if oid, ok := m.ObjectID.(primitive.ObjectID); ok {
				m.DocID = oid.Hex()
			} else {
				m.DocID = fmt.Sprint(m.ObjectID)
			}
		}
	}
	return groups, nil
}

// DeleteDocuments removes documents by their hex object IDs.
func (s *ProfileStore) DeleteDocuments(ctx context.Context, docIDs []string) (int64, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}
	oids := make([]primitive.ObjectID, 0, len(docIDs))
	for _, hex := range docIDs {
		oid, err := primitive.ObjectIDFromHex(hex)
		if err != nil {
			return 0, fmt.Errorf("invalid document id %q: %w", hex, err)
		}
		oids = append(oids, oid)
	}

	res, err := s.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteTombstonesFrom removes not-found records with ID >= from.
func (s *ProfileStore) DeleteTombstonesFrom(ctx context.Context, from int64) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"status": StatusNotFound,
		"id":     bson.M{"$gte": from},
	})
	if err != nil {
		return 0, fmt.Errorf("delete tombstones: %w", err)
	}
	return res.DeletedCount, nil
}

// CountFilterDocument maps a count category to its query.
func CountFilterDocument(f CountFilter) (bson.M, error) {
	switch f.Category {
	case CategorySupport:
		return bson.M{"isSupport": true}, nil
	case CategoryBanned:
		return bson.M{"isBanned": true}, nil
	case CategoryTotal:
		return bson.M{"status": bson.M{"$ne": StatusNotFound}}, nil
	case CategoryFoundByWorker:
		if f.WorkerID == "" {
			return nil, fmt.Errorf("%w: %s requires a worker id", ErrInvalidCategory, f.Category)
		}
		return bson.M{"scrapedBy": f.WorkerID, "status": bson.M{"$ne": StatusNotFound}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, f.Category)
	}
}

// CountProfiles counts the documents matching a category.
func (s *ProfileStore) CountProfiles(ctx context.Context, f CountFilter) (int64, error) {
	filter, err := CountFilterDocument(f)
	if err != nil {
		return 0, err
	}
	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", f.Category, err)
	}
	return n, nil
}

// FindByID returns the stored record for id, or nil when there is none.
func (s *ProfileStore) FindByID(ctx context.Context, id int64) (*Profile, error) {
	var p Profile
	err := s.collection.FindOne(ctx, bson.M{"id": id}).Decode(&p)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find profile %d: %w", id, err)
	}
	return &p, nil
}

// SearchFilter builds the query and options for a search. A nil filter with
// no error means the query cannot match anything.
func SearchFilter(q SearchQuery) (bson.M, *options.FindOptions, error) {
	limit := q.Limit
	if limit <= 0 || limit > defaultSearchLimit {
		limit = defaultSearchLimit
	}
	opts := options.Find().SetLimit(limit).SetSort(bson.D{{Key: "id", Value: 1}})
	query := strings.TrimSpace(q.Query)
	found := bson.M{"$ne": StatusNotFound}

	switch q.Type {
	case SearchByID, "":
		if query == "latest" {
			return bson.M{"status": found},
				options.Find().SetLimit(1).SetSort(bson.D{{Key: "id", Value: -1}}), nil
		}
		id, err := strconv.ParseInt(query, 10, 64)
		if err != nil {
			return nil, nil, nil
		}
		return bson.M{"id": id}, opts, nil
	case SearchByNickname:
		if query == "" {
			return nil, nil, nil
		}
		return bson.M{"$text": bson.M{"$search": query}, "status": found}, opts, nil
	case SearchByStatus:
		switch strings.ToLower(query) {
		case CategorySupport:
			return bson.M{"isSupport": true}, opts, nil
		case CategoryBanned:
			return bson.M{"isBanned": true}, opts, nil
		}
		return nil, nil, nil
	case SearchByLetter:
		if query == "" {
			return nil, nil, nil
		}
		pattern := "^" + regexp.QuoteMeta(query)
		opts.SetSort(bson.D{{Key: "nickname", Value: 1}})
		return bson.M{
			"nickname": primitive.Regex{Pattern: pattern, Options: "i"},
			"status":   found,
		}, opts, nil
	default:
		return nil, nil, fmt.Errorf("%w: search type %q", ErrInvalidCategory, q.Type)
	}
}

// Search runs an admin lookup.
func (s *ProfileStore) Search(ctx context.Context, q SearchQuery) ([]Profile, error) {
	filter, opts, err := SearchFilter(q)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return []Profile{}, nil
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer cursor.Close(ctx)

	profiles := []Profile{}
	if err := cursor.All(ctx, &profiles); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return profiles, nil
}

// Drop removes the profiles collection.
func (s *ProfileStore) Drop(ctx context.Context) error {
	if err := s.collection.Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", ProfilesCollection, err)
	}
	return nil
}
