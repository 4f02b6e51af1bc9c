// Package authn runs login attempts: it dispatches the provider-specific
// exchange by authority, then normalizes the upstream principal into the
// realm's canonical Subject and UserAccount records.
package authn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/errors"
)

// Resolver binds external principals to Subjects and UserAccounts.
// Resolution is idempotent: the same (repositoryID, externalSubjectID)
// always resolves to the same account, creating it on first login.
type Resolver struct {
	accounts domain.AccountStore
	subjects domain.SubjectStore
}

// NewResolver creates a Resolver over the given stores.
func NewResolver(accounts domain.AccountStore, subjects domain.SubjectStore) *Resolver {
	return &Resolver{accounts: accounts, subjects: subjects}
}

// Resolve looks up or creates the account for principal and returns the
// realm-scoped authentication result. Locked accounts and accounts whose
// bound Subject disagrees with the principal fail without touching stored
// state.
func (r *Resolver) Resolve(ctx context.Context, cfg *domain.ProviderConfig, principal *domain.ExternalPrincipal) (*domain.Authentication, error) {
	if principal.ExternalSubjectID == "" {
		return nil, errors.New(errors.KindInvalidRequest, "upstream principal carries no subject identifier")
	}

	repositoryID := cfg.RepositoryID
	if repositoryID == "" {
		repositoryID = cfg.ProviderID
	}

	account, err := r.accounts.FindAccount(ctx, repositoryID, principal.ExternalSubjectID)
	switch {
	case err == nil:
		return r.resolveExisting(ctx, principal, account)
	case errors.Is(err, errors.ErrAccountNotFound):
		return r.createLinked(ctx, repositoryID, principal)
	default:
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "account lookup failed", err)
	}
}

func (r *Resolver) resolveExisting(ctx context.Context, principal *domain.ExternalPrincipal, account *domain.UserAccount) (*domain.Authentication, error) {
	if account.Locked() {
		return nil, errors.New(errors.KindAccountLocked,
			fmt.Sprintf("account %s/%s is locked", account.RepositoryID, account.ExternalSubjectID))
	}

	subject, err := r.subjects.FindSubject(ctx, account.UUID)
	if err != nil {
		if errors.Is(err, errors.ErrSubjectNotFound) {
			return nil, errors.New(errors.KindSubjectMismatch,
				fmt.Sprintf("account %s references missing subject %s", account.ExternalSubjectID, account.UUID))
		}
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "subject lookup failed", err)
	}
	if subject.Realm != principal.Realm {
		return nil, errors.New(errors.KindSubjectMismatch,
			fmt.Sprintf("account %s is bound to realm %s, login targets %s",
				account.ExternalSubjectID, subject.Realm, principal.Realm))
	}
	if subject.Type != domain.SubjectTypeUser {
		return nil, errors.New(errors.KindSubjectMismatch,
			fmt.Sprintf("account %s is bound to a %s subject", account.ExternalSubjectID, subject.Type))
	}

	r.refreshAccount(ctx, principal, account)
	return authenticationFor(subject, principal), nil
}

// refreshAccount carries updated upstream attributes onto the stored
// account. A failing update never fails the login.
func (r *Resolver) refreshAccount(ctx context.Context, principal *domain.ExternalPrincipal, account *domain.UserAccount) {
	now := time.Now()
	account.LastLoginAt = &now
	account.UpdatedAt = now
	if principal.Email != "" {
		account.Email = principal.Email
		account.EmailConfirmed = principal.EmailVerified
	}
	if principal.Username != "" {
		account.Username = principal.Username
	}
	if _, err := r.accounts.SaveAccount(ctx, account); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("repository_id", account.RepositoryID).
			Str("external_subject_id", account.ExternalSubjectID).
			Msg("account refresh failed")
	}
}

func (r *Resolver) createLinked(ctx context.Context, repositoryID string, principal *domain.ExternalPrincipal) (*domain.Authentication, error) {
	now := time.Now()
	subject := &domain.Subject{
		SubjectID:   uuid.NewString(),
		Realm:       principal.Realm,
		Type:        domain.SubjectTypeUser,
		DisplayName: principal.Username,
		CreatedAt:   now,
	}
	subject, err := r.subjects.AddSubject(ctx, subject)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamUnavailable, "subject creation failed", err)
	}

	account := &domain.UserAccount{
		RepositoryID:      repositoryID,
		ExternalSubjectID: principal.ExternalSubjectID,
		UUID:              subject.SubjectID,
		UserID:            subject.SubjectID,
		Realm:             principal.Realm,
		Status:            domain.AccountStatusActive,
		Username:          principal.Username,
		Email:             principal.Email,
		EmailConfirmed:    principal.EmailVerified,
		CreatedAt:         now,
		UpdatedAt:         now,
		LastLoginAt:       &now,
	}
	account, err = r.accounts.SaveAccount(ctx, account)
	if err != nil {
		// The save races with a concurrent first login for the same
		// identity. Re-read: exactly one account exists either way.
		existing, findErr := r.accounts.FindAccount(ctx, repositoryID, principal.ExternalSubjectID)
		if findErr != nil {
			return nil, errors.Wrap(errors.KindUpstreamUnavailable, "account creation failed", err)
		}
		_ = r.subjects.DeleteSubject(ctx, subject.SubjectID)
		return r.resolveExisting(ctx, principal, existing)
	}

	log.Ctx(ctx).Info().
		Str("realm", principal.Realm).
		Str("repository_id", repositoryID).
		Str("subject_id", subject.SubjectID).
		Msg("linked new account")
	return authenticationFor(subject, principal), nil
}

// RemoveAccount deletes a linked account. When it was the Subject's last
// linked account, the Subject is deleted with it.
func (r *Resolver) RemoveAccount(ctx context.Context, repositoryID, externalSubjectID string) error {
	account, err := r.accounts.FindAccount(ctx, repositoryID, externalSubjectID)
	if err != nil {
		return err
	}
	if err := r.accounts.DeleteAccount(ctx, repositoryID, externalSubjectID); err != nil {
		return errors.Wrap(errors.KindUpstreamUnavailable, "account deletion failed", err)
	}

	remaining, err := r.accounts.ListAccountsBySubject(ctx, account.UUID)
	if err != nil {
		return errors.Wrap(errors.KindUpstreamUnavailable, "linked account lookup failed", err)
	}
	if len(remaining) > 0 {
		return nil
	}
	if err := r.subjects.DeleteSubject(ctx, account.UUID); err != nil {
		return errors.Wrap(errors.KindUpstreamUnavailable, "subject deletion failed", err)
	}

	log.Ctx(ctx).Info().
		Str("repository_id", repositoryID).
		Str("subject_id", account.UUID).
		Msg("deleted subject with last linked account")
	return nil
}

func authenticationFor(subject *domain.Subject, principal *domain.ExternalPrincipal) *domain.Authentication {
	authorities := []string{domain.RoleUser}
	for _, role := range subject.Roles {
		if role != domain.RoleUser {
			authorities = append(authorities, role)
		}
	}

	return &domain.Authentication{
		SubjectID:   subject.SubjectID,
		Realm:       subject.Realm,
		Type:        subject.Type,
		DisplayName: subject.DisplayName,
		Name:        subject.SubjectID,
		Authorities: authorities,
		Provider:    principal.ProviderID,
		AuthTime:    time.Now().Unix(),
		Attributes:  principal.RawAttributes,
	}
}
