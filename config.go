package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	allowPastRounds bool
	bind            string
	database        string
	maxPrediction   int64
	messageBurst    int
	messageRate     float64
	neynarAPIKey    string
	neynarURL       string
	otlpEndpoint    string
	playerTimeout   time.Duration
	pollInterval    time.Duration
	port            int
	prefix          string
	profile         bool
	resolverTimeout time.Duration
	roundLead       uint64
	rpcURL          string
	storeTimeout    time.Duration
	tlsCert         string
	tlsKey          string
	verbose         bool
	version         bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if strings.TrimSpace(c.database) == "" {
		return errors.New("--database must not be empty")
	}
	if c.resolverTimeout <= 0 {
		return fmt.Errorf("invalid resolver timeout (must be positive): %s", c.resolverTimeout)
	}
	if c.storeTimeout <= 0 {
		return fmt.Errorf("invalid store timeout (must be positive): %s", c.storeTimeout)
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("invalid poll interval (must be positive): %s", c.pollInterval)
	}
	if c.playerTimeout < 0 {
		return fmt.Errorf("invalid player timeout (must not be negative): %s", c.playerTimeout)
	}
	if c.maxPrediction < 1 {
		return fmt.Errorf("invalid max prediction (must be positive): %d", c.maxPrediction)
	}
	if c.roundLead < 1 {
		return errors.New("invalid round lead (must be at least 1)")
	}
	if c.messageRate < 0 {
		return fmt.Errorf("invalid message rate (must not be negative): %g", c.messageRate)
	}
	if c.messageRate > 0 && c.messageBurst < 1 {
		return fmt.Errorf("invalid message burst (must be at least 1): %d", c.messageBurst)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TXBATTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "txbattle",
		Short:         "A real-time block transaction prediction game for Farcaster players.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.BoolVar(&cfg.allowPastRounds, "allow-past-rounds", false, "accept predictions for blocks that were already observed (env: TXBATTLE_ALLOW_PAST_ROUNDS)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TXBATTLE_BIND)")
	fs.StringVarP(&cfg.database, "database", "d", "txbattle.db", "postgres:// dsn or sqlite file path (env: TXBATTLE_DATABASE)")
	fs.Int64Var(&cfg.maxPrediction, "max-prediction", 1_000_000, "largest accepted prediction value (env: TXBATTLE_MAX_PREDICTION)")
	fs.IntVar(&cfg.messageBurst, "message-burst", 10, "websocket messages a client may send in a burst (env: TXBATTLE_MESSAGE_BURST)")
	fs.Float64Var(&cfg.messageRate, "message-rate", 5, "websocket messages per second allowed per client, 0 to disable (env: TXBATTLE_MESSAGE_RATE)")
	fs.StringVar(&cfg.neynarAPIKey, "neynar-api-key", "", "api key for profile lookups (env: TXBATTLE_NEYNAR_API_KEY)")
	fs.StringVar(&cfg.neynarURL, "neynar-url", "https://api.neynar.com", "base url of the profile api (env: TXBATTLE_NEYNAR_URL)")
	fs.StringVar(&cfg.otlpEndpoint, "otlp-endpoint", "", "otlp/http endpoint to export traces to (env: TXBATTLE_OTLP_ENDPOINT)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 0, "time before disconnected players leave the roster, 0 to keep them (env: TXBATTLE_PLAYER_TIMEOUT)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 2*time.Second, "how often to poll the chain for new blocks (env: TXBATTLE_POLL_INTERVAL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TXBATTLE_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: TXBATTLE_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: TXBATTLE_PROFILE)")
	fs.DurationVar(&cfg.resolverTimeout, "resolver-timeout", 5*time.Second, "timeout for profile lookups (env: TXBATTLE_RESOLVER_TIMEOUT)")
	fs.Uint64Var(&cfg.roundLead, "round-lead", 1, "blocks past the head that a new prediction targets (env: TXBATTLE_ROUND_LEAD)")
	fs.StringVar(&cfg.rpcURL, "rpc-url", "https://mainnet.base.org", "json-rpc endpoint to read blocks from, empty to disable (env: TXBATTLE_RPC_URL)")
	fs.DurationVar(&cfg.storeTimeout, "store-timeout", 5*time.Second, "timeout for database operations (env: TXBATTLE_STORE_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: TXBATTLE_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: TXBATTLE_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TXBATTLE_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: TXBATTLE_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("txbattle v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
