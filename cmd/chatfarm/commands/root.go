// Package commands implements the chatfarm CLI.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/statecache/internal/chat"
)

// CLI is the chatfarm command tree plus its configuration source.
type CLI struct {
	v       *viper.Viper
	rootCmd *cobra.Command
}

func New() *CLI {
	c := &CLI{v: viper.New()}
	c.rootCmd = &cobra.Command{
		Use:           "chatfarm",
		Short:         "Simulate a web farm of chat servers sharing statecache invalidations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig(cmd)
		},
	}

	def := chat.DefaultConfig()
	pf := c.rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file (yaml, json or toml)")
	pf.String("log-level", "info", "debug | info | warn | error")
	pf.Int("nodes", def.Nodes, "number of simulated web servers")
	pf.Int("rooms", def.Rooms, "number of chat rooms")
	pf.String("provider", def.Provider, "byte store: ristretto | bigcache | redis")
	pf.String("genstore", def.GenStore, "dependency generations: local | redis")
	pf.String("codec", def.Codec, "value codec: json | msgpack | cbor | cbor-canonical")
	pf.Duration("max-delay", def.MaxDelay, "staleness bound of the message state")
	pf.Bool("hooks", false, "log cache hook events through slog")
	pf.String("redis-addr", def.Redis.Addr, "redis address")
	pf.String("redis-prefix", def.Redis.Prefix, "prefix of every redis key")

	for key, flag := range map[string]string{
		"log_level":    "log-level",
		"nodes":        "nodes",
		"rooms":        "rooms",
		"provider":     "provider",
		"genstore":     "genstore",
		"codec":        "codec",
		"max_delay":    "max-delay",
		"hooks":        "hooks",
		"redis.addr":   "redis-addr",
		"redis.prefix": "redis-prefix",
	} {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	c.rootCmd.AddCommand(c.newRunCmd())
	return c
}

func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

func (c *CLI) loadConfig(cmd *cobra.Command) error {
	c.v.SetEnvPrefix("CHATFARM")
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// config resolves flags, env and file into a chat.Config.
func (c *CLI) config() (chat.Config, error) {
	cfg := chat.DefaultConfig()
	if err := c.v.Unmarshal(&cfg); err != nil {
		return chat.Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *CLI) logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.v.GetString("log_level"))
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
