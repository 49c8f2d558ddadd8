package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"netbootd/internal/registry"
	"netbootd/internal/resolve"
	"netbootd/internal/sitegen"
	"netbootd/pkg/render"
)

func newSitegenCommand() *cobra.Command {
	var (
		registryPath string
		outDir       string
		serverIP     string
		separator    string
	)

	cmd := &cobra.Command{
		Use:   "sitegen [hostname...]",
		Short: "Write resolved site packages to disk without serving them",
		Long: "Resolves the template layers for the named hosts (or every host " +
			"when none are named) and writes one site tarball per host, exactly " +
			"as the install vendor would serve them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.LoadFile(registryPath)
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}

			engine, err := render.New()
			if err != nil {
				return err
			}

			logger := log.New(os.Stderr, "", 0)
			written, err := sitegen.Generate(reg, resolve.New(separator), engine, serverIP, outDir, args, logger)
			if err != nil {
				return err
			}
			for _, path := range written {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&registryPath, "registry", "", "Path to the registry source file")
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory to write site tarballs into")
	cmd.Flags().StringVar(&serverIP, "server-ip", "", "Server address substituted into templated files")
	cmd.Flags().StringVar(&separator, "separator", "\n", "Separator inserted between appended fragments")
	_ = cmd.MarkFlagRequired("registry")
	return cmd
}
