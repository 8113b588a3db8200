package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create TENANT COLLECTION",
	Short: "Create a collection",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			if err := env.engine.CreateCollection(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("created %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete TENANT COLLECTION",
	Short: "Delete a collection and all its data",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			if err := env.engine.DeleteCollection(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("deleted %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename TENANT COLLECTION NEW_NAME",
	Short: "Rename a collection within its tenant",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			if err := env.engine.RenameCollection(args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Printf("renamed %s/%s to %s\n", args[0], args[1], args[2])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list [TENANT]",
	Short: "List tenants, or a tenant's collections",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 1 {
			return fmt.Errorf("%w: list expects at most one argument", errUsage)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			if len(args) == 0 {
				tenants, err := env.engine.ListTenants()
				if err != nil {
					return err
				}
				for _, tenant := range tenants {
					fmt.Println(tenant)
				}
				return nil
			}

			infos, err := env.engine.ListCollections(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%s\tdocuments=%d\tchunks=%d\n", info.Name, info.Documents, info.Chunks)
			}
			return nil
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive TENANT COLLECTION FILE",
	Short: "Write a collection archive (tar.gz) to FILE",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			f, err := os.Create(args[2])
			if err != nil {
				return err
			}
			if err := env.engine.Archive(args[0], args[1], f); err != nil {
				f.Close()
				os.Remove(args[2])
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Printf("archived %s/%s to %s\n", args[0], args[1], args[2])
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore TENANT COLLECTION FILE",
	Short: "Restore a collection from an archive written by 'archive'",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()
			if err := env.engine.Restore(args[0], args[1], f); err != nil {
				return err
			}
			fmt.Printf("restored %s/%s from %s\n", args[0], args[1], args[2])
			return nil
		})
	},
}
