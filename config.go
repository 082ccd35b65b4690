package main

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	chatHistory    int
	minPlayers     int
	playerTimeout  time.Duration
	port           int
	prefix         string
	profile        bool
	redisAddress   string
	redisPassword  string
	roomTTL        time.Duration
	sessionTimeout time.Duration
	storeTimeout   time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool

	// rngSeed pins the shuffle order; zero means time-seeded. Set only by
	// tests.
	rngSeed int64
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.minPlayers < 0 {
		return fmt.Errorf("invalid minimum player count: %d", c.minPlayers)
	}
	if c.storeTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive: %s", c.storeTimeout)
	}
	if c.roomTTL <= 0 {
		return fmt.Errorf("room ttl must be positive: %s", c.roomTTL)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// newStore picks the session store backend: Redis when an address is
// configured, in-process memory otherwise.
func (c *Config) newStore() SessionStore {
	if c.redisAddress != "" {
		return newRedisStore(c.redisAddress, c.redisPassword)
	}
	return newMemoryStore()
}

func (c *Config) newRand() *rand.Rand {
	seed := c.rngSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PARTYLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "partylink",
		Short:         "A small multiplayer party game server with shared real-time room state.",
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

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: PARTYLINK_BIND)")
	fs.IntVar(&cfg.chatHistory, "chat-history", 200, "number of chat messages retained per room (env: PARTYLINK_CHAT_HISTORY)")
	fs.IntVar(&cfg.minPlayers, "min-players", 0, "minimum participants required to start a game, 0 to disable (env: PARTYLINK_MIN_PLAYERS)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 10*time.Minute, "time before disconnected participants are removed from the roster (env: PARTYLINK_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: PARTYLINK_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: PARTYLINK_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: PARTYLINK_PROFILE)")
	fs.StringVar(&cfg.redisAddress, "redis-address", "", "redis host:port for shared session state, empty for in-memory (env: PARTYLINK_REDIS_ADDRESS)")
	fs.StringVar(&cfg.redisPassword, "redis-password", "", "redis password (env: PARTYLINK_REDIS_PASSWORD)")
	fs.DurationVar(&cfg.roomTTL, "room-ttl", time.Hour, "idle time before room state expires, renewed on activity (env: PARTYLINK_ROOM_TTL)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle room hubs are reclaimed (env: PARTYLINK_SESSION_TIMEOUT)")
	fs.DurationVar(&cfg.storeTimeout, "store-timeout", 5*time.Second, "deadline for a single session store operation (env: PARTYLINK_STORE_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: PARTYLINK_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: PARTYLINK_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: PARTYLINK_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("partylink v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
