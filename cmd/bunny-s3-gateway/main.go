package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/config"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/monitoring"
)

var (
	// Build information injected at build time
	version = "dev"
	commit  = "unknown"

	rootCmd = &cobra.Command{
		Use:   "bunny-s3-gateway",
		Short: "Stateless S3-compatible gateway in front of a Bunny.net storage zone",
		Long: `bunny-s3-gateway exposes the S3 REST API on its front door and speaks the
Bunny.net Storage HTTP API on its back door. S3 clients (SDKs, the aws CLI,
object-store drivers) connect to the gateway and perform bucket and object
operations against a single storage zone, including emulated multipart
uploads.

All flags can also be set through environment variables (BUNNY_STORAGE_ZONE,
BUNNY_ACCESS_KEY, BUNNY_REGION, LISTEN_ADDR, SOCKET_PATH, S3_ACCESS_KEY_ID,
S3_SECRET_ACCESS_KEY, VERBOSE, METRICS_ADDR, REDIS_URL, REDIS_LOCK_TTL_MS).`,
		RunE:          runGateway,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringP("storage-zone", "z", "", "Bunny storage zone name (required)")
	flags.StringP("access-key", "k", "", "Bunny storage access key (required)")
	flags.StringP("region", "r", string(config.DefaultRegion), "storage region (de|uk|ny|la|sg|se|br|jh|syd)")
	flags.StringP("listen-addr", "l", config.DefaultListenAddr, "TCP listen address")
	flags.StringP("socket-path", "s", "", "unix socket path (mutually exclusive with --listen-addr)")
	flags.String("s3-access-key-id", "bunny", "access key ID expected from S3 clients")
	flags.String("s3-secret-access-key", "bunny", "secret key expected from S3 clients")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.String("metrics-addr", "", "Prometheus listen address (disabled when empty)")
	flags.String("redis-url", "", "Redis URL for distributed conditional-write locks")
	flags.Int64("redis-lock-ttl-ms", 30000, "conditional-write lock TTL in milliseconds")

	bindFlags(flags)
	config.Init(viper.GetViper())
}

// bindFlags connects each flag to its viper key so values resolve from flags
// first, then environment variables, then defaults.
func bindFlags(flags *pflag.FlagSet) {
	bindings := map[string]string{
		"storage_zone":         "storage-zone",
		"access_key":           "access-key",
		"region":               "region",
		"listen_addr":          "listen-addr",
		"socket_path":          "socket-path",
		"s3_access_key_id":     "s3-access-key-id",
		"s3_secret_access_key": "s3-secret-access-key",
		"verbose":              "verbose",
		"metrics_addr":         "metrics-addr",
		"redis_url":            "redis-url",
		"redis_lock_ttl_ms":    "redis-lock-ttl-ms",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			logrus.WithError(err).Fatalf("Failed to bind flag %s", flag)
		}
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	if cfg.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"zone":    cfg.StorageZone,
		"region":  string(cfg.Region),
	}).Info("Starting bunny-s3-gateway")

	server, err := gateway.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := monitoring.NewServer(cfg.MetricsAddr).Run(ctx); err != nil {
				logrus.WithError(err).Error("Monitoring server exited")
			}
		}()
	}

	return server.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("Gateway failed")
	}
}
