package authn

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
)

// PasswordAuthenticator checks local credentials against stored bcrypt
// hashes. For the internal authority the external subject identifier is
// the username itself.
type PasswordAuthenticator struct {
	accounts domain.AccountStore
}

// NewPasswordAuthenticator creates a PasswordAuthenticator over the
// account store.
func NewPasswordAuthenticator(accounts domain.AccountStore) *PasswordAuthenticator {
	return &PasswordAuthenticator{accounts: accounts}
}

// Authenticate verifies the credentials. Unknown usernames and wrong
// passwords fail identically so the response does not leak which one it
// was.
func (p *PasswordAuthenticator) Authenticate(ctx context.Context, cfg *domain.ProviderConfig, creds Credentials) (*domain.ExternalPrincipal, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, errors.New(errors.KindInvalidRequest, "missing username or password")
	}

	repositoryID := cfg.RepositoryID
	if repositoryID == "" {
		repositoryID = cfg.ProviderID
	}

	account, err := p.accounts.FindAccount(ctx, repositoryID, creds.Username)
	if err != nil {
		if errors.Is(err, errors.ErrAccountNotFound) {
			return nil, errors.New(errors.KindInvalidRequest, "invalid credentials")
		}
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "account lookup failed", err)
	}
	if account.PasswordHash == "" {
		return nil, errors.New(errors.KindInvalidRequest, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(creds.Password)); err != nil {
		return nil, errors.New(errors.KindInvalidRequest, "invalid credentials")
	}

	return &domain.ExternalPrincipal{
		Authority:         cfg.Authority,
		ProviderID:        cfg.ProviderID,
		Realm:             cfg.Realm,
		ExternalSubjectID: account.ExternalSubjectID,
		Username:          account.Username,
		Email:             account.Email,
		EmailVerified:     account.EmailConfirmed,
	}, nil
}

// HashPassword produces the bcrypt hash stored on internal accounts.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
