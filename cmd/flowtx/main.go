package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sankem/flowtx/agent"
	"github.com/sankem/flowtx/config"
	"github.com/sankem/flowtx/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("node-id", "", "stable node identity, random when empty")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("redis-password", "", "redis password")
	cmd.Flags().String("namespace", "flowtx", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().String("sqlite-path", "flowtx.db", "path of the sqlite archive database")
	cmd.Flags().String("node-group", "default", "node group served by this node")
	cmd.Flags().Int("worker-count", 4, "number of dequeue workers")
	cmd.Flags().Int("batch-size", 8, "events fetched per dequeue")
	cmd.Flags().Duration("poll-interval", 100*time.Millisecond, "worker pause when the queues are empty")
	cmd.Flags().String("webhook-secret", "", "secret used to sign webhook payloads")
	cmd.Flags().String("audit-file", "", "file to record completed transactions, disabled when empty")
	cmd.Flags().String("log-level", "info", "log level")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.Config = config.Default()
	c.cfg.NodeId = viper.GetString("node-id")
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.SqlitePath = viper.GetString("sqlite-path")
	c.cfg.NodeGroup = viper.GetString("node-group")
	c.cfg.WorkerCount = viper.GetInt("worker-count")
	c.cfg.BatchSize = viper.GetInt("batch-size")
	c.cfg.PollInterval = viper.GetDuration("poll-interval")
	c.cfg.WebhookSecret = viper.GetString("webhook-secret")
	c.cfg.AuditFile = viper.GetString("audit-file")
	return logger.Configure(viper.GetString("log-level"))
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "flowtx",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
