package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
)

// SubjectStore persists canonical Subjects keyed by their id.
type SubjectStore struct {
	subjects *mongo.Collection
}

// NewSubjectStore creates the store.
func NewSubjectStore(db *mongo.Database) *SubjectStore {
	return &SubjectStore{subjects: db.Collection(SubjectsCollection)}
}

func (s *SubjectStore) FindSubject(ctx context.Context, uuid string) (*domain.Subject, error) {
	var subject domain.Subject
	err := s.subjects.FindOne(ctx, bson.M{"_id": uuid}).Decode(&subject)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errors.ErrSubjectNotFound
		}
		return nil, fmt.Errorf("failed to find subject: %w", err)
	}
	return &subject, nil
}

func (s *SubjectStore) AddSubject(ctx context.Context, subject *domain.Subject) (*domain.Subject, error) {
	_, err := s.subjects.InsertOne(ctx, subject)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("subject %s already exists: %w", subject.SubjectID, err)
		}
		return nil, fmt.Errorf("failed to add subject: %w", err)
	}
	return subject, nil
}

func (s *SubjectStore) DeleteSubject(ctx context.Context, uuid string) error {
	_, err := s.subjects.DeleteOne(ctx, bson.M{"_id": uuid})
	if err != nil {
		return fmt.Errorf("failed to delete subject: %w", err)
	}
	return nil
}
