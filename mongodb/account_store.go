package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
)

// AccountStore persists UserAccounts. The unique compound index on
// (repository_id, external_subject_id) makes concurrent first logins for
// the same identity collapse into one record.
type AccountStore struct {
	accounts *mongo.Collection
}

// NewAccountStore creates the store and ensures its indexes.
func NewAccountStore(ctx context.Context, db *mongo.Database) (*AccountStore, error) {
	s := &AccountStore{accounts: db.Collection(AccountsCollection)}

	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "repository_id", Value: 1},
				{Key: "external_subject_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "uuid", Value: 1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create account indexes: %w", err)
	}
	return s, nil
}

func accountFilter(repositoryID, externalSubjectID string) bson.M {
	return bson.M{
		"repository_id":       repositoryID,
		"external_subject_id": externalSubjectID,
	}
}

func (s *AccountStore) FindAccount(ctx context.Context, repositoryID, externalSubjectID string) (*domain.UserAccount, error) {
	var account domain.UserAccount
	err := s.accounts.FindOne(ctx, accountFilter(repositoryID, externalSubjectID)).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// SaveAccount upserts the account. A losing race on first creation
// surfaces as a duplicate key error; callers re-read and continue with the
// winner's record.
func (s *AccountStore) SaveAccount(ctx context.Context, account *domain.UserAccount) (*domain.UserAccount, error) {
	filter := accountFilter(account.RepositoryID, account.ExternalSubjectID)
	_, err := s.accounts.ReplaceOne(ctx, filter, account, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("account already exists: %w", err)
		}
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	return account, nil
}

func (s *AccountStore) DeleteAccount(ctx context.Context, repositoryID, externalSubjectID string) error {
	_, err := s.accounts.DeleteOne(ctx, accountFilter(repositoryID, externalSubjectID))
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func (s *AccountStore) ListAccountsBySubject(ctx context.Context, uuid string) ([]*domain.UserAccount, error) {
	cursor, err := s.accounts.Find(ctx, bson.M{"uuid": uuid})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var accounts []*domain.UserAccount
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}
