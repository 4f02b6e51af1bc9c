package domain

import "context"

// AccountStore persists UserAccounts keyed by (repositoryID,
// externalSubjectID). Save is an upsert; creating the same key twice must
// not produce two records.
type AccountStore interface {
	FindAccount(ctx context.Context, repositoryID, externalSubjectID string) (*UserAccount, error)
	SaveAccount(ctx context.Context, account *UserAccount) (*UserAccount, error)
	DeleteAccount(ctx context.Context, repositoryID, externalSubjectID string) error
	ListAccountsBySubject(ctx context.Context, uuid string) ([]*UserAccount, error)
}

// SubjectStore persists canonical Subjects.
type SubjectStore interface {
	FindSubject(ctx context.Context, uuid string) (*Subject, error)
	AddSubject(ctx context.Context, subject *Subject) (*Subject, error)
	DeleteSubject(ctx context.Context, uuid string) error
}

// ClientStore returns client registration data.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ProviderStore is the persistence backing of the provider registry.
type ProviderStore interface {
	GetProvider(ctx context.Context, authority Authority, providerID string) (*ProviderConfig, error)
	ListProviders(ctx context.Context, realm string) ([]*ProviderConfig, error)
	SaveProvider(ctx context.Context, cfg *ProviderConfig) error
	DeleteProvider(ctx context.Context, authority Authority, providerID string) error
}
