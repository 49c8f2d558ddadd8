package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"netbootd/internal/artifacts"
)

func newAttestCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "attest",
		Short: "Scan an artifact tree and write a signed manifest",
		Long: "Hashes every artifact under the store root and writes a " +
			"manifest signed with AGE_SECRET_KEY. The serve command refuses " +
			"stores whose manifest does not verify.",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := artifacts.NewSignerFromEnv()
			if err != nil {
				return err
			}

			manifest, err := artifacts.BuildManifest(root, nil)
			if err != nil {
				return fmt.Errorf("build manifest: %w", err)
			}
			if err := artifacts.WriteManifest(root, manifest, signer); err != nil {
				return fmt.Errorf("write manifest: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attested %d artifacts under %s\n", len(manifest.Artifacts), root)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Artifact store root directory")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}
