package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentgate/internal/db"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Print the stored iteration records of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistoryStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.QueryIterations(args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("failed to query iterations: %w", err)
		}
		if len(rows) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no iterations recorded for run %s\n", args[0])
			return nil
		}
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// openHistoryStore opens the relational backend the engine writes to, using
// the same configuration keys as buildApplication.
func openHistoryStore() (db.Store, error) {
	conn := viper.GetString("db.connection_string")
	if conn == "" {
		conn = filepath.Join(viper.GetString("state_dir"), "agentgate.db")
	}
	store, err := db.NewStore(db.StoreConfig{
		Type:             viper.GetString("db.type"),
		ConnectionString: conn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	return store, nil
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum iteration records to print (newest first)")
}
