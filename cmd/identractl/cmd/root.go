// Package cmd implements the identractl administration CLI. It operates
// directly on the server's MongoDB database.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/identra-io/identra/log"
	"github.com/identra-io/identra/mongodb"
)

var (
	mongoURI    string
	mongoDBName string

	db           *mongo.Database
	disconnectDB func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "identractl",
	Short: "identractl administers an identra server",
	Long:  `A command-line interface for managing users, clients and identity providers of an identra deployment.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Setup("warn", true)

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		var err error
		db, disconnectDB, err = mongodb.Connect(ctx, mongoURI, mongoDBName)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", mongoURI, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if disconnectDB != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = disconnectDB(ctx)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&mongoURI, "mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	rootCmd.PersistentFlags().StringVar(&mongoDBName, "mongo-db", "identra_dev", "MongoDB database name")
}
