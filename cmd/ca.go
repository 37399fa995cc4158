package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/mitm"
)

var caForce bool

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the interception CA",
	Long: `Manage the certificate authority used to sign per-host certificates
for intercepted TLS connections. Clients must trust this CA.`,
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the interception CA",
	RunE:  runCAInit,
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the CA certificate and its fingerprint",
	RunE:  runCAShow,
}

func init() {
	caInitCmd.Flags().BoolVar(&caForce, "force", false, "replace an existing CA")
	caCmd.AddCommand(caInitCmd, caShowCmd)
	rootCmd.AddCommand(caCmd)
}

func runCAInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	certPath, keyPath := cfg.TLS.CACertPath, cfg.TLS.CAKeyPath

	if !caForce {
		_, err := mitm.LoadCA(certPath, keyPath)
		if err == nil {
			return fmt.Errorf("CA already exists at %s (use --force to replace it)", certPath)
		}
		if !errors.Is(err, mitm.ErrCAMissing) {
			return err
		}
	}

	ca, err := mitm.GenerateCA(config.DefaultCAValidity)
	if err != nil {
		return err
	}
	if err := ca.Save(certPath, keyPath); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Certificate: %s\n", certPath)
	fmt.Fprintf(out, "Key:         %s\n", keyPath)
	fmt.Fprintf(out, "SHA-256:     %s\n", ca.Fingerprint())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Install the certificate in every client's trust store before enabling interception.")
	return nil
}

func runCAShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ca, err := mitm.LoadCA(cfg.TLS.CACertPath, cfg.TLS.CAKeyPath)
	if errors.Is(err, mitm.ErrCAMissing) {
		return fmt.Errorf("no CA at %s (run: inspector ca init)", cfg.TLS.CACertPath)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Subject:     %s\n", ca.Certificate().Subject.CommonName)
	fmt.Fprintf(out, "Expires:     %s\n", ca.Certificate().NotAfter.Format("2006-01-02"))
	fmt.Fprintf(out, "SHA-256:     %s\n", ca.Fingerprint())
	fmt.Fprintln(out)
	_, err = out.Write(ca.CertPEM())
	return err
}
