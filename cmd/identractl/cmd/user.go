package cmd

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/identra-io/identra/authn"
	"github.com/identra-io/identra/domain"
	identraerrors "github.com/identra-io/identra/errors"
	"github.com/identra-io/identra/mongodb"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Short:   "Manage local user accounts",
	Aliases: []string{"users"},
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create a local user account with a password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		realm, _ := cmd.Flags().GetString("realm")
		repository, _ := cmd.Flags().GetString("repository")
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		if password == "" {
			fmt.Print("Enter password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password = string(raw)
		}
		if password == "" {
			return errors.New("password must not be empty")
		}

		hash, err := authn.HashPassword(password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		ctx := cmd.Context()
		accounts, err := mongodb.NewAccountStore(ctx, db)
		if err != nil {
			return err
		}
		subjects := mongodb.NewSubjectStore(db)

		if _, err := accounts.FindAccount(ctx, repository, username); err == nil {
			return fmt.Errorf("account %s/%s already exists", repository, username)
		} else if !errors.Is(err, identraerrors.ErrAccountNotFound) {
			return err
		}

		now := time.Now()
		subject, err := subjects.AddSubject(ctx, &domain.Subject{
			SubjectID:   uuid.NewString(),
			Realm:       realm,
			Type:        domain.SubjectTypeUser,
			DisplayName: username,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		_, err = accounts.SaveAccount(ctx, &domain.UserAccount{
			RepositoryID:      repository,
			ExternalSubjectID: username,
			UUID:              subject.SubjectID,
			UserID:            subject.SubjectID,
			Realm:             realm,
			Status:            domain.AccountStatusActive,
			Username:          username,
			Email:             email,
			PasswordHash:      hash,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Created user %q in realm %q (subject %s)\n", username, realm, subject.SubjectID)
		return nil
	},
}

var userLockCmd = &cobra.Command{
	Use:   "lock USERNAME",
	Short: "Lock a local user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountStatus(cmd, args[0], domain.AccountStatusLocked)
	},
}

var userUnlockCmd = &cobra.Command{
	Use:   "unlock USERNAME",
	Short: "Unlock a local user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAccountStatus(cmd, args[0], domain.AccountStatusActive)
	},
}

func setAccountStatus(cmd *cobra.Command, username string, status domain.AccountStatus) error {
	repository, _ := cmd.Flags().GetString("repository")

	ctx := cmd.Context()
	accounts, err := mongodb.NewAccountStore(ctx, db)
	if err != nil {
		return err
	}
	account, err := accounts.FindAccount(ctx, repository, username)
	if err != nil {
		return err
	}
	account.Status = status
	account.UpdatedAt = time.Now()
	if _, err := accounts.SaveAccount(ctx, account); err != nil {
		return err
	}
	fmt.Printf("Account %q is now %s\n", username, status)
	return nil
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete USERNAME",
	Short: "Delete a local user account",
	Long:  `Deletes the account; the backing subject is removed with it when no other linked account remains.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repository, _ := cmd.Flags().GetString("repository")

		ctx := cmd.Context()
		accounts, err := mongodb.NewAccountStore(ctx, db)
		if err != nil {
			return err
		}
		resolver := authn.NewResolver(accounts, mongodb.NewSubjectStore(db))
		if err := resolver.RemoveAccount(ctx, repository, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted account %q\n", args[0])
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show USERNAME",
	Short: "Show a local user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repository, _ := cmd.Flags().GetString("repository")

		ctx := cmd.Context()
		accounts, err := mongodb.NewAccountStore(ctx, db)
		if err != nil {
			return err
		}
		account, err := accounts.FindAccount(ctx, repository, args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(account)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	userCmd.PersistentFlags().String("realm", "default", "realm of the account")
	userCmd.PersistentFlags().String("repository", "local", "account repository")

	userAddCmd.Flags().String("email", "", "email address")
	userAddCmd.Flags().String("password", "", "password (prompted when omitted)")

	userCmd.AddCommand(userAddCmd, userLockCmd, userUnlockCmd, userDeleteCmd, userShowCmd)
	rootCmd.AddCommand(userCmd)
}
