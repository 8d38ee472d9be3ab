package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/josexy/goodmitm/ca"
)

const (
	caKeyFile  = "private.key"
	caCertFile = "cert.crt"
)

func newGenCACmd() *cobra.Command {
	var outDir string
	var force bool

	cmd := &cobra.Command{
		Use:   "genca",
		Short: "Generate a root certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPath, certPath, err := writeCA(outDir, force)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s and %s\n", keyPath, certPath)
			fmt.Fprintf(out, "install %s in the trust store of the clients that use the proxy\n", certPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "ca", "Output directory")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing authority")

	return cmd
}

func writeCA(dir string, force bool) (keyPath, certPath string, err error) {
	keyPath = filepath.Join(dir, caKeyFile)
	certPath = filepath.Join(dir, caCertFile)
	if !force {
		for _, p := range []string{keyPath, certPath} {
			if _, err := os.Stat(p); err == nil {
				return "", "", fmt.Errorf("%s exists, use --force to overwrite", p)
			}
		}
	}

	keyPEM, certPEM, err := ca.Generate()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", err
	}
	return keyPath, certPath, nil
}
