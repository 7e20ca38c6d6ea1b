package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const defaultMongoDatabase = "gatekeeper"

// MongoStore is the document-store DataManager.
type MongoStore struct {
	client    *mongo.Client
	guilds    *mongo.Collection
	channels  *mongo.Collection
	blacklist *mongo.Collection
	rejoins   *mongo.Collection
	invites   *mongo.Collection
	settings  *mongo.Collection
	audit     *mongo.Collection
}

type settingsDocument struct {
	Scope string `bson:"_id"`
	Data  string `bson:"data"`
}

// NewMongo connects to uri. When database is empty the name from the URI
// path is used, falling back to "gatekeeper".
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	if database == "" {
		if cs, err := connstring.ParseAndValidate(uri); err == nil && cs.Database != "" {
			database = cs.Database
		} else {
			database = defaultMongoDatabase
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	store := &MongoStore{
		client:    client,
		guilds:    db.Collection("gateway_guilds"),
		channels:  db.Collection("captcha_channels"),
		blacklist: db.Collection("blacklist"),
		rejoins:   db.Collection("rejoin_counters"),
		invites:   db.Collection("registered_invites"),
		settings:  db.Collection("settings"),
		audit:     db.Collection("audit_logs"),
	}

	_, err = store.channels.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "guild_id", Value: 1}, {Key: "channel_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index: %w", err)
	}
	return store, nil
}

func (m *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.client.Disconnect(ctx)
}

func (m *MongoStore) AddGuild(ctx context.Context, record GuildRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := m.guilds.UpdateOne(ctx,
		bson.M{"_id": record.GuildID},
		bson.M{
			"$set":         bson.M{"landing_channel_id": record.LandingChannelID},
			"$setOnInsert": bson.M{"created_at": record.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) RemoveGuild(ctx context.Context, guildID string) error {
	if _, err := m.channels.DeleteMany(ctx, bson.M{"guild_id": guildID}); err != nil {
		return err
	}
	_, err := m.guilds.DeleteOne(ctx, bson.M{"_id": guildID})
	return err
}

func (m *MongoStore) ListGuilds(ctx context.Context, includeStats bool) ([]GuildRecord, error) {
	cursor, err := m.guilds.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var guilds []GuildRecord
	if err := cursor.All(ctx, &guilds); err != nil {
		return nil, err
	}
	if !includeStats {
		return guilds, nil
	}

	for i := range guilds {
		id := guilds[i].GuildID
		completed, err := m.channels.CountDocuments(ctx, bson.M{"guild_id": id, "completed": true})
		if err != nil {
			return nil, err
		}
		failed, err := m.channels.CountDocuments(ctx, bson.M{"guild_id": id, "failed": true})
		if err != nil {
			return nil, err
		}
		active, err := m.channels.CountDocuments(ctx, bson.M{"guild_id": id, "active": true, "completed": false})
		if err != nil {
			return nil, err
		}
		guilds[i].Stats = GuildStats{Completed: int(completed), Failed: int(failed), Active: int(active)}
	}
	return guilds, nil
}

func (m *MongoStore) AddChannel(ctx context.Context, record ChannelRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := m.channels.UpdateOne(ctx,
		bson.M{"guild_id": record.GuildID, "channel_id": record.ChannelID},
		bson.M{"$set": record},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) UpdateChannel(ctx context.Context, guildID, channelID string, update ChannelUpdate) error {
	set := bson.M{}
	if update.Tries != nil {
		set["tries"] = *update.Tries
	}
	if update.TTL != nil {
		set["ttl"] = *update.TTL
	}
	if update.Active != nil {
		set["active"] = *update.Active
	}
	if update.Completed != nil {
		set["completed"] = *update.Completed
	}
	if update.Failed != nil {
		set["failed"] = *update.Failed
	}
	if len(set) == 0 {
		return nil
	}
	result, err := m.channels.UpdateOne(ctx, bson.M{"guild_id": guildID, "channel_id": channelID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) ListActiveChannels(ctx context.Context, guildID string) ([]ChannelRecord, error) {
	cursor, err := m.channels.Find(ctx, bson.M{"guild_id": guildID, "active": true}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var records []ChannelRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *MongoStore) AddToBlacklist(ctx context.Context, entry BlacklistEntry) (bool, error) {
	result, err := m.blacklist.UpdateOne(ctx,
		bson.M{"_id": entry.MemberID},
		bson.M{"$set": bson.M{
			"member_name": entry.MemberName,
			"started":     entry.Started,
			"ends":        CeilSecond(entry.Ends),
			"reason":      entry.Reason,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return result.UpsertedCount > 0, nil
}

func (m *MongoStore) RemoveFromBlacklist(ctx context.Context, memberID string) (bool, error) {
	result, err := m.blacklist.DeleteOne(ctx, bson.M{"_id": memberID})
	if err != nil {
		return false, err
	}
	return result.DeletedCount > 0, nil
}

func (m *MongoStore) ListBlacklist(ctx context.Context) ([]BlacklistEntry, error) {
	return m.findBlacklist(ctx, bson.M{})
}

func (m *MongoStore) GetBlacklisted(ctx context.Context, memberID string) (BlacklistEntry, error) {
	var entry BlacklistEntry
	err := m.blacklist.FindOne(ctx, bson.M{"_id": memberID}).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return BlacklistEntry{}, ErrNotFound
		}
		return BlacklistEntry{}, err
	}
	return entry, nil
}

func (m *MongoStore) FindBlacklisted(ctx context.Context, query string) ([]BlacklistEntry, error) {
	prefix := primitive.Regex{Pattern: "^" + regexp.QuoteMeta(query), Options: "i"}
	return m.findBlacklist(ctx, bson.M{"$or": bson.A{
		bson.M{"_id": query},
		bson.M{"member_name": prefix},
	}})
}

func (m *MongoStore) findBlacklist(ctx context.Context, filter bson.M) ([]BlacklistEntry, error) {
	cursor, err := m.blacklist.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var entries []BlacklistEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *MongoStore) IncrementRejoin(ctx context.Context, memberID string, at time.Time) (RejoinCounter, error) {
	var counter RejoinCounter
	err := m.rejoins.FindOneAndUpdate(ctx,
		bson.M{"_id": memberID},
		bson.M{
			"$inc": bson.M{"counter": 1},
			"$set": bson.M{"updated_at": at},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return RejoinCounter{}, err
	}
	return counter, nil
}

func (m *MongoStore) GetRejoin(ctx context.Context, memberID string) (RejoinCounter, error) {
	counter := RejoinCounter{MemberID: memberID}
	err := m.rejoins.FindOne(ctx, bson.M{"_id": memberID}).Decode(&counter)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return RejoinCounter{}, err
	}
	return counter, nil
}

func (m *MongoStore) ListRejoin(ctx context.Context) ([]RejoinCounter, error) {
	cursor, err := m.rejoins.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var counters []RejoinCounter
	if err := cursor.All(ctx, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}

func (m *MongoStore) ResetRejoin(ctx context.Context, memberID string) error {
	_, err := m.rejoins.DeleteOne(ctx, bson.M{"_id": memberID})
	return err
}

func (m *MongoStore) IsInviteRegistered(ctx context.Context, code string) (bool, error) {
	count, err := m.invites.CountDocuments(ctx, bson.M{"_id": code})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *MongoStore) RegisterInvite(ctx context.Context, code, category string) error {
	_, err := m.invites.UpdateOne(ctx,
		bson.M{"_id": code},
		bson.M{
			"$set":         bson.M{"category": category},
			"$setOnInsert": bson.M{"added_at": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) ListInvites(ctx context.Context, category string) ([]RegisteredInvite, error) {
	filter := bson.M{}
	if category != "" {
		filter["category"] = category
	}
	cursor, err := m.invites.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "added_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var invites []RegisteredInvite
	if err := cursor.All(ctx, &invites); err != nil {
		return nil, err
	}
	return invites, nil
}

func (m *MongoStore) LoadSettings(ctx context.Context, scope string) ([]byte, error) {
	var doc settingsDocument
	err := m.settings.FindOne(ctx, bson.M{"_id": scope}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(doc.Data), nil
}

func (m *MongoStore) SaveSettings(ctx context.Context, scope string, data []byte) error {
	_, err := m.settings.UpdateOne(ctx,
		bson.M{"_id": scope},
		bson.M{"$set": bson.M{"data": string(data)}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := m.audit.InsertOne(ctx, log)
	return err
}

func (m *MongoStore) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	filter := bson.M{"created_at": bson.M{"$gte": since}}
	if guildID != "" {
		filter["guild_id"] = guildID
	}
	cursor, err := m.audit.Find(ctx,
		filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
