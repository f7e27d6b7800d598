package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/workflow"
)

// mongoSession 是集合中的文档。过滤与排序字段单独存放，
// 完整会话以 JSON 保存在 payload 中。
type mongoSession struct {
	ID         string `bson:"_id"`
	UserID     string `bson:"user_id,omitempty"`
	WorkflowID string `bson:"workflow_id,omitempty"`
	Mode       string `bson:"mode,omitempty"`
	Payload    string `bson:"payload"`
	CreatedAt  int64  `bson:"created_at"`
	UpdatedAt  int64  `bson:"updated_at"`
}

// MongoOptions 创建 MongoStorage 的参数
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	// Timeout 连接与建索引的超时
	Timeout time.Duration
}

// MongoStorage 基于 MongoDB 的会话存储
type MongoStorage struct {
	modeTag
	client     *mongo.Client
	ownClient  bool
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStorage 建立连接并确保索引存在
func NewMongoStorage(ctx context.Context, opts MongoOptions, logger *zap.Logger) (*MongoStorage, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Database == "" {
		opts.Database = "stepflow"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI).SetConnectTimeout(opts.Timeout))
	if err != nil {
		return nil, storageError("connect to mongo", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storageError("ping mongo", err)
	}

	s := NewMongoStorageWithClient(client, opts.Database, opts.Collection, logger)
	s.ownClient = true
	if err := s.EnsureIndexes(pingCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStorageWithClient 使用已有客户端，Close 不会断开它
func NewMongoStorageWithClient(client *mongo.Client, database, collection string, logger *zap.Logger) *MongoStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if collection == "" {
		collection = SessionTable
	}
	return &MongoStorage{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With(zap.String("component", "mongo_storage")),
	}
}

// EnsureIndexes 创建过滤与排序所需的索引
func (m *MongoStorage) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return storageError("create mongo indexes", err)
	}
	return nil
}

// Read 读取会话
func (m *MongoStorage) Read(ctx context.Context, sessionID string) (*workflow.Session, error) {
	var doc mongoSession
	err := m.collection.FindOne(ctx, bson.D{{Key: "_id", Value: sessionID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, storageError("mongo find", err)
	}
	return decodeSession([]byte(doc.Payload))
}

// Upsert 以 _id 替换整篇文档
func (m *MongoStorage) Upsert(ctx context.Context, session *workflow.Session) (*workflow.Session, error) {
	out, data, err := m.prepare(session)
	if err != nil {
		return nil, err
	}

	doc := mongoSession{
		ID:         out.SessionID,
		UserID:     out.UserID,
		WorkflowID: out.WorkflowID,
		Mode:       out.Mode,
		Payload:    string(data),
		CreatedAt:  out.CreatedAt,
		UpdatedAt:  out.UpdatedAt,
	}
	_, err = m.collection.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: out.SessionID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return nil, storageError("mongo upsert", err)
	}

	m.logger.Debug("session written", zap.String("session_id", out.SessionID))
	return out, nil
}

// DeleteSession 删除会话
func (m *MongoStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := m.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: sessionID}}); err != nil {
		return storageError("mongo delete", err)
	}
	return nil
}

// ListSessions 在服务端过滤、排序与分页
func (m *MongoStorage) ListSessions(ctx context.Context, filter workflow.SessionFilter) ([]*workflow.Session, error) {
	query := bson.D{}
	if filter.UserID != "" {
		query = append(query, bson.E{Key: "user_id", Value: filter.UserID})
	}
	if filter.WorkflowID != "" {
		query = append(query, bson.E{Key: "workflow_id", Value: filter.WorkflowID})
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "updated_at", Value: -1},
		{Key: "_id", Value: 1},
	})
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}

	cursor, err := m.collection.Find(ctx, query, findOpts)
	if err != nil {
		return nil, storageError("mongo list", err)
	}
	var docs []mongoSession
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageError("mongo cursor", err)
	}

	out := make([]*workflow.Session, 0, len(docs))
	for _, doc := range docs {
		s, err := decodeSession([]byte(doc.Payload))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Close 断开自己创建的连接
func (m *MongoStorage) Close() error {
	if !m.ownClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
