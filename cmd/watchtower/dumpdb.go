package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cowprotocol/watch-tower/internal/logger"
	"github.com/cowprotocol/watch-tower/internal/registry"
	"github.com/cowprotocol/watch-tower/internal/store"
)

var (
	dumpChainID      string
	dumpDatabasePath string
)

var dumpDBCmd = &cobra.Command{
	Use:   "dump-db",
	Short: "Print the persisted registry for a chain as JSON",
	Long: `dump-db loads the registry stored under the given chain id (or chain
name, when one was configured) and prints it as indented JSON on stdout.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// stdout carries only the dump; everything else stays quiet.
		log := logger.NewNopLogger()

		st, err := store.Open(dumpDatabasePath, log)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		reg, err := registry.Load(st, dumpChainID, log)
		if err != nil {
			return fmt.Errorf("failed to load registry for %q: %w", dumpChainID, err)
		}

		data, err := reg.Dump()
		if err != nil {
			return fmt.Errorf("failed to serialise registry: %w", err)
		}

		fmt.Println(string(data))
		return nil
	},
}

func init() {
	dumpDBCmd.Flags().StringVar(&dumpChainID, "chain-id", "", "chain id or configured chain name")
	dumpDBCmd.Flags().StringVar(&dumpDatabasePath, "database-path", "./database", "directory holding the registry database")
	_ = dumpDBCmd.MarkFlagRequired("chain-id")
}
