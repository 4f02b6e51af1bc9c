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

// ClientStore persists OAuth2/OIDC client registrations.
type ClientStore struct {
	clients *mongo.Collection
}

// NewClientStore creates the store and ensures the client id index.
func NewClientStore(ctx context.Context, db *mongo.Database) (*ClientStore, error) {
	s := &ClientStore{clients: db.Collection(ClientsCollection)}

	_, err := s.clients.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "client_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client index: %w", err)
	}
	return s, nil
}

func (s *ClientStore) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	var client domain.Client
	err := s.clients.FindOne(ctx, bson.M{"client_id": clientID}).Decode(&client)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to find client: %w", err)
	}
	return &client, nil
}

// SaveClient upserts a client registration.
func (s *ClientStore) SaveClient(ctx context.Context, client *domain.Client) error {
	client.UpdatedAt = time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = client.UpdatedAt
	}
	_, err := s.clients.ReplaceOne(ctx, bson.M{"client_id": client.ID}, client,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// DeleteClient removes a client registration.
func (s *ClientStore) DeleteClient(ctx context.Context, clientID string) error {
	_, err := s.clients.DeleteOne(ctx, bson.M{"client_id": clientID})
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}
