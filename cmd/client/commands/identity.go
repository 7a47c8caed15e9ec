package commands

import (
	"errors"
	"fmt"
	"os"

	"secure_exchange/internal/cryptographic/dh"
	"secure_exchange/internal/cryptographic/keystore"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a key pair and seal it in the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p or SX_PASSPHRASE)")
			}
			if _, err := os.Stat(cfg.Keystore); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to replace it", cfg.Keystore)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			kp, err := dh.NewKeyPair()
			if err != nil {
				return err
			}
			if err := keystore.Save(cfg.Keystore, passphrase, kp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address:    %s\npublic key: %s\n", kp.Address(), kp.PublicKeyHex())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	return cmd
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish the encryption public key to the relay directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.app.Register(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s at %s\n", rec.Address, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}
