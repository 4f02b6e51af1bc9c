package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/mongodb"
)

var providerCmd = &cobra.Command{
	Use:     "provider",
	Short:   "Manage identity provider configurations",
	Aliases: []string{"providers", "idp"},
}

var providerAddCmd = &cobra.Command{
	Use:   "add PROVIDER_ID",
	Short: "Register an identity provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		realm, _ := cmd.Flags().GetString("realm")
		authority, _ := cmd.Flags().GetString("authority")
		issuer, _ := cmd.Flags().GetString("issuer")
		clientID, _ := cmd.Flags().GetString("client-id")
		clientSecret, _ := cmd.Flags().GetString("client-secret")
		entityID, _ := cmd.Flags().GetString("entity-id")
		redirectURI, _ := cmd.Flags().GetString("redirect-uri")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		trustMaterial, _ := cmd.Flags().GetString("trust-anchor-jwks")
		disabled, _ := cmd.Flags().GetBool("disabled")

		config := map[string]any{}
		if issuer != "" {
			config[domain.ConfigKeyIssuer] = issuer
		}
		if clientID != "" {
			config[domain.ConfigKeyClientID] = clientID
		}
		if clientSecret != "" {
			config[domain.ConfigKeyClientSecret] = clientSecret
		}
		if entityID != "" {
			config[domain.ConfigKeyEntityID] = entityID
		}
		if redirectURI != "" {
			config[domain.ConfigKeyRedirectURI] = redirectURI
		}
		if len(scopes) > 0 {
			config[domain.ConfigKeyScopes] = scopes
		}

		cfg := &domain.ProviderConfig{
			Authority:     domain.Authority(authority),
			ProviderID:    args[0],
			Realm:         realm,
			RepositoryID:  args[0],
			Config:        config,
			TrustMaterial: trustMaterial,
			Enabled:       !disabled,
		}

		ctx := cmd.Context()
		providers, err := mongodb.NewProviderStore(ctx, db)
		if err != nil {
			return err
		}
		if err := providers.SaveProvider(ctx, cfg); err != nil {
			return err
		}

		fmt.Printf("Registered %s provider %q in realm %q\n", authority, cfg.ProviderID, realm)
		return nil
	},
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers of a realm",
	RunE: func(cmd *cobra.Command, args []string) error {
		realm, _ := cmd.Flags().GetString("realm")

		ctx := cmd.Context()
		providers, err := mongodb.NewProviderStore(ctx, db)
		if err != nil {
			return err
		}
		configs, err := providers.ListProviders(ctx, realm)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(configs)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var providerDeleteCmd = &cobra.Command{
	Use:   "delete PROVIDER_ID",
	Short: "Delete an identity provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		authority, _ := cmd.Flags().GetString("authority")

		ctx := cmd.Context()
		providers, err := mongodb.NewProviderStore(ctx, db)
		if err != nil {
			return err
		}
		if err := providers.DeleteProvider(ctx, domain.Authority(authority), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted provider %q\n", args[0])
		return nil
	},
}

func init() {
	providerCmd.PersistentFlags().String("realm", "default", "realm of the provider")
	providerCmd.PersistentFlags().String("authority", string(domain.AuthorityOIDC), "protocol family (internal, oidc, openid-federation)")

	providerAddCmd.Flags().String("issuer", "", "upstream issuer URI")
	providerAddCmd.Flags().String("client-id", "", "client id registered at the upstream")
	providerAddCmd.Flags().String("client-secret", "", "client secret registered at the upstream")
	providerAddCmd.Flags().String("entity-id", "", "federation entity identifier of the upstream")
	providerAddCmd.Flags().String("redirect-uri", "", "callback URI registered at the upstream")
	providerAddCmd.Flags().StringSlice("scope", nil, "requested scope (repeatable)")
	providerAddCmd.Flags().String("trust-anchor-jwks", "", "pinned trust anchor key set as JWKS JSON")
	providerAddCmd.Flags().Bool("disabled", false, "register the provider disabled")

	providerCmd.AddCommand(providerAddCmd, providerListCmd, providerDeleteCmd)
	rootCmd.AddCommand(providerCmd)
}
