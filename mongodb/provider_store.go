package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
)

// ProviderStore persists identity provider configurations, the backing
// data of the in-memory provider registry.
type ProviderStore struct {
	providers *mongo.Collection
}

// NewProviderStore creates the store and ensures its indexes.
func NewProviderStore(ctx context.Context, db *mongo.Database) (*ProviderStore, error) {
	s := &ProviderStore{providers: db.Collection(ProvidersCollection)}

	_, err := s.providers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "authority", Value: 1},
				{Key: "provider_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "realm", Value: 1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider indexes: %w", err)
	}
	return s, nil
}

func providerFilter(authority domain.Authority, providerID string) bson.M {
	return bson.M{
		"authority":   authority,
		"provider_id": providerID,
	}
}

func (s *ProviderStore) GetProvider(ctx context.Context, authority domain.Authority, providerID string) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	err := s.providers.FindOne(ctx, providerFilter(authority, providerID)).Decode(&cfg)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to find provider: %w", err)
	}
	return &cfg, nil
}

func (s *ProviderStore) ListProviders(ctx context.Context, realm string) ([]*domain.ProviderConfig, error) {
	cursor, err := s.providers.Find(ctx, bson.M{"realm": realm})
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer cursor.Close(ctx)

	var configs []*domain.ProviderConfig
	if err := cursor.All(ctx, &configs); err != nil {
		return nil, fmt.Errorf("failed to decode providers: %w", err)
	}
	return configs, nil
}

func (s *ProviderStore) SaveProvider(ctx context.Context, cfg *domain.ProviderConfig) error {
	cfg.UpdatedAt = time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.UpdatedAt
	}
	_, err := s.providers.ReplaceOne(ctx, providerFilter(cfg.Authority, cfg.ProviderID), cfg,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save provider: %w", err)
	}
	return nil
}

func (s *ProviderStore) DeleteProvider(ctx context.Context, authority domain.Authority, providerID string) error {
	_, err := s.providers.DeleteOne(ctx, providerFilter(authority, providerID))
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	return nil
}
