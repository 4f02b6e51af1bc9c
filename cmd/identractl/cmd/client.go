package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/mongodb"
)

var clientCmd = &cobra.Command{
	Use:     "client",
	Short:   "Manage OAuth2/OIDC client registrations",
	Aliases: []string{"clients"},
}

var clientAddCmd = &cobra.Command{
	Use:   "add CLIENT_ID",
	Short: "Register a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		realm, _ := cmd.Flags().GetString("realm")
		name, _ := cmd.Flags().GetString("name")
		redirectURIs, _ := cmd.Flags().GetStringSlice("redirect-uri")
		postLogoutURIs, _ := cmd.Flags().GetStringSlice("post-logout-uri")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		sigAlg, _ := cmd.Flags().GetString("id-token-alg")
		lifetime, _ := cmd.Flags().GetInt64("id-token-lifetime")
		public, _ := cmd.Flags().GetBool("public")

		client := &domain.Client{
			ID:                       args[0],
			Realm:                    realm,
			Name:                     name,
			RedirectURIs:             redirectURIs,
			PostLogoutURIs:           postLogoutURIs,
			AllowedScopes:            scopes,
			IDTokenSignedResponseAlg: sigAlg,
			IDTokenLifetime:          lifetime,
			Active:                   true,
		}
		if !public {
			secret, err := randomSecret()
			if err != nil {
				return err
			}
			client.Secret = secret
			client.TokenEndpointAuth = "client_secret_basic"
		}

		ctx := cmd.Context()
		clients, err := mongodb.NewClientStore(ctx, db)
		if err != nil {
			return err
		}
		if err := clients.SaveClient(ctx, client); err != nil {
			return err
		}

		fmt.Printf("Registered client %q in realm %q\n", client.ID, realm)
		if client.Secret != "" {
			fmt.Printf("Client secret: %s\n", client.Secret)
		}
		return nil
	},
}

var clientShowCmd = &cobra.Command{
	Use:   "show CLIENT_ID",
	Short: "Show a client registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		clients, err := mongodb.NewClientStore(ctx, db)
		if err != nil {
			return err
		}
		client, err := clients.GetClient(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(client)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete CLIENT_ID",
	Short: "Delete a client registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		clients, err := mongodb.NewClientStore(ctx, db)
		if err != nil {
			return err
		}
		if err := clients.DeleteClient(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted client %q\n", args[0])
		return nil
	},
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func init() {
	clientAddCmd.Flags().String("realm", "default", "realm of the client")
	clientAddCmd.Flags().String("name", "", "display name")
	clientAddCmd.Flags().StringSlice("redirect-uri", nil, "allowed redirect URI (repeatable)")
	clientAddCmd.Flags().StringSlice("post-logout-uri", nil, "allowed post-logout redirect URI (repeatable)")
	clientAddCmd.Flags().StringSlice("scope", []string{"openid", "profile", "email"}, "allowed scope (repeatable)")
	clientAddCmd.Flags().String("id-token-alg", "", "ID token signing algorithm (empty for server default)")
	clientAddCmd.Flags().Int64("id-token-lifetime", 3600, "ID token lifetime in seconds")
	clientAddCmd.Flags().Bool("public", false, "register without a client secret")

	clientCmd.AddCommand(clientAddCmd, clientShowCmd, clientDeleteCmd)
	rootCmd.AddCommand(clientCmd)
}
