// Package main provides the lanserve command-line interface.
// lanserve serves a local directory over HTTPS, creating a self-signed
// certificate for the configured LAN IP on first start.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/arhuman/lanserve/internal/certs"
	"github.com/arhuman/lanserve/internal/config"
	"github.com/arhuman/lanserve/internal/logging"
	"github.com/arhuman/lanserve/internal/version"
	"github.com/arhuman/lanserve/internal/web"
)

// Process exit codes
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitProvision   = 3
	exitBind        = 4
	exitCertLoad    = 5
	exitDocumentDir = 6
)

var errConfig = errors.New("configuration error")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the root command and maps its error to an exit code
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lanserve",
		Short: "Serve a directory over HTTPS on the local network",
		Long: `lanserve serves a directory's static files over HTTPS.

On first start it generates an RSA key and a self-signed certificate valid
for ten years for the server IP and "localhost", and stores them as PEM.
Settings come from flags, then the environment, then a .env file.`,
		Version:       version.Info(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.Flags(), cmd.OutOrStdout())
		},
	}
	cmd.SetVersionTemplate("lanserve {{.Version}}\n")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, flags *pflag.FlagSet, out io.Writer) error {
	// Load configuration from flags, environment and .env file
	cfg, err := config.LoadServerConfig(flags, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", errConfig, err)
	}

	logger, _, err := logging.SetupLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger, start := logging.FuncLogger(logger, "main")
	defer logging.FuncExit(logger, start)

	logger.Info("Starting lanserve",
		zap.String("version", version.Component("lanserve")),
		zap.String("environment", version.EnvironmentInfo()))
	cfg.LogConfig(logger)

	outcome, err := certs.Ensure(certs.Options{
		CertFile:      cfg.CertFile,
		KeyFile:       cfg.KeyFile,
		ServerIP:      cfg.ServerIP,
		TrustExisting: cfg.TrustExisting,
	}, logger)
	if err != nil {
		logger.Error("Certificate provisioning failed", zap.Error(err))
		return err
	}

	b := newBanner(out)
	b.certificate(outcome, cfg)

	err = web.StartWebServer(ctx, cfg, logger, func(addr net.Addr) {
		b.ready(cfg, addr)
	})
	if err != nil {
		logger.Error("Server failed", zap.Error(err))
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// exitCode maps startup failures to distinct process exit codes
func exitCode(err error) int {
	var (
		provisionErr *certs.ProvisionError
		bindErr      *web.BindError
		certErr      *web.CertificateLoadError
		rootErr      *web.DocumentRootError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errConfig):
		return exitConfig
	case errors.As(err, &provisionErr):
		return exitProvision
	case errors.As(err, &bindErr):
		return exitBind
	case errors.As(err, &certErr):
		return exitCertLoad
	case errors.As(err, &rootErr):
		return exitDocumentDir
	default:
		return exitFailure
	}
}
