package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	tokens   *mongo.Collection
	// transactions is true on replica sets and sharded clusters.
	transactions bool
}

type userDoc struct {
	ID           string     `bson:"_id"`
	Email        string     `bson:"email"`
	PassHash     []byte     `bson:"pass_hash"`
	Name         string     `bson:"name"`
	DateOfBirth  *time.Time `bson:"date_of_birth,omitempty"`
	Supermarkets []string   `bson:"supermarkets"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func (d userDoc) model() *models.User {
	return &models.User{
		ID:           d.ID,
		Email:        d.Email,
		PassHash:     d.PassHash,
		Name:         d.Name,
		DateOfBirth:  d.DateOfBirth,
		Supermarkets: d.Supermarkets,
		CreatedAt:    d.CreatedAt,
	}
}

type refreshTokenDoc struct {
	TokenHash string    `bson:"token_hash"`
	UserID    string    `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	transactions, err := supportsTransactions(ctx, db)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: hello: %w", op, err)
	}
	s.transactions = transactions

	return s, nil
}

// supportsTransactions reports whether the deployment is a replica set member
// or a mongos router. A standalone server rejects multi-document transactions.
func supportsTransactions(ctx context.Context, db *mongo.Database) (bool, error) {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return false, err
	}

	return hello.SetName != "" || hello.Msg == "isdbgrid", nil
}

// EnsureIndexes creates the indexes the store relies on. It is safe to call
// on every start.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
		{
			// the server sweeps expired tokens on its own
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens indexes: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) (models.User, error) {
	const op = "storage.mongodb.SaveUser"

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	supermarkets := user.Supermarkets
	if supermarkets == nil {
		supermarkets = []string{}
	}

	doc := userDoc{
		ID:           user.ID,
		Email:        user.Email,
		PassHash:     user.PassHash,
		Name:         user.Name,
		DateOfBirth:  user.DateOfBirth,
		Supermarkets: supermarkets,
		CreatedAt:    user.CreatedAt,
	}

	if _, err := s.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// User retrieves a user by email.
func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"

	user, err := s.findUser(ctx, bson.D{{Key: "email", Value: email}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"

	user, err := s.findUser(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) findUser(ctx context.Context, filter bson.D) (*models.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	return doc.model(), nil
}

func (s *Storage) UpdatePassHash(ctx context.Context, userID string, passHash []byte) error {
	const op = "storage.mongodb.UpdatePassHash"

	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "pass_hash", Value: passHash}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

// SaveRefreshToken stores a new refresh token hash.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	if _, err := s.tokens.InsertOne(ctx, tokenDoc(token)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken returns the token matching both hash and owner while it is
// still valid. The TTL monitor runs about once a minute, so expiry is also
// checked here.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash, userID string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "user_id", Value: userID},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	token := &models.RefreshToken{
		TokenHash: doc.TokenHash,
		UserID:    doc.UserID,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}

	if token.Expired(time.Now()) {
		_, _ = s.tokens.DeleteOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}})
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return token, nil
}

// DeleteRefreshToken revokes one token. Deleting a missing token is not an error.
func (s *Storage) DeleteRefreshToken(ctx context.Context, tokenHash, userID string) error {
	const op = "storage.mongodb.DeleteRefreshToken"

	_, err := s.tokens.DeleteOne(ctx, bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "user_id", Value: userID},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	const op = "storage.mongodb.DeleteUserRefreshTokens"

	res, err := s.tokens.DeleteMany(ctx, bson.D{{Key: "user_id", Value: userID}})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.DeletedCount, nil
}

// RotateRefreshToken consumes the old token and inserts the next one. Of
// several concurrent callers only one deletes the old document. On replica
// sets both writes share a transaction. A standalone server has none, so a
// failed insert puts the old token back; only a crash between the two writes
// can then leave the user without a session.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldHash, userID string, next models.RefreshToken) error {
	const op = "storage.mongodb.RotateRefreshToken"

	if !s.transactions {
		if err := s.rotate(ctx, oldHash, userID, next); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("%s: start session: %w", op, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.rotate(ctx, oldHash, userID, next)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) rotate(ctx context.Context, oldHash, userID string, next models.RefreshToken) error {
	var old refreshTokenDoc
	err := s.tokens.FindOneAndDelete(ctx, bson.D{
		{Key: "token_hash", Value: oldHash},
		{Key: "user_id", Value: userID},
		{Key: "expires_at", Value: bson.D{{Key: "$gte", Value: time.Now()}}},
	}).Decode(&old)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return storage.ErrTokenNotFound
		}
		return fmt.Errorf("revoke old: %w", err)
	}

	if _, err := s.tokens.InsertOne(ctx, tokenDoc(next)); err != nil {
		if !s.transactions {
			if _, restoreErr := s.tokens.InsertOne(ctx, old); restoreErr != nil {
				return fmt.Errorf("insert new: %w", errors.Join(err, restoreErr))
			}
		}
		return fmt.Errorf("insert new: %w", err)
	}

	return nil
}

func tokenDoc(token models.RefreshToken) refreshTokenDoc {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return refreshTokenDoc{
		TokenHash: token.TokenHash,
		UserID:    token.UserID,
		CreatedAt: createdAt,
		ExpiresAt: token.ExpiresAt,
	}
}
