package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/atomix"
	"pkt.systems/atomix/cluster"
	"pkt.systems/atomix/internal/pathutil"
	"pkt.systems/atomix/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("ATOMIX_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "atomixd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "atomixd",
		Short:         "atomixd runs and inspects the coordination runtime's composition root",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.String("cluster-name", "", "cluster name (defaults to \"atomix\")")
	flags.String("node-id", "", "this node's ID (defaults to a minted UUIDv7)")
	flags.String("host", "127.0.0.1", "this node's advertised host")
	flags.Int("port", 9400, "this node's advertised port")
	flags.StringSlice("bootstrap", nil, "bootstrap node as id=host:port (repeatable; includes this node if listed)")
	flags.String("data-dir", "", "root directory for partition data")
	flags.Int("num-partitions", 0, "partition count (0 derives one partition per bootstrap node)")
	flags.Int("partition-size", 0, "replicas per partition (0 uses min(bootstrap size, 3))")
	flags.StringSlice("primitive-types", nil, "allowed primitive types (empty allows any)")
	flags.Int("metrics-port", 0, "HTTP port for the metrics/REST listener (0 disables it)")
	flags.String("state-cache", "0", "advisory byte budget for the built-primitive cache (e.g. 64MB)")
	flags.String("client-id", "", "Raft session client ID (bound but not passed to the runtime; every command uses a minted UUIDv7)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("ATOMIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"cluster-name", "node-id", "host", "port", "bootstrap", "data-dir",
		"num-partitions", "partition-size", "primitive-types", "metrics-port",
		"state-cache", "client-id", "log-level",
	} {
		bindFlag(name)
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(flags)
	}

	cmd.AddCommand(newOpenCommand(baseLogger))
	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newPrimitivesCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfigFile(flags *pflag.FlagSet) error {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return nil
}

// buildConfig assembles an atomix.Config from bound viper values, shared by
// every subcommand that constructs a runtime.
func buildConfig() (atomix.Config, error) {
	bootstrap, err := parseBootstrapNodes(viper.GetStringSlice("bootstrap"))
	if err != nil {
		return atomix.Config{}, err
	}

	local := cluster.Node{
		ID: cluster.NodeId(viper.GetString("node-id")),
		Endpoint: cluster.Endpoint{
			Host: viper.GetString("host"),
			Port: viper.GetInt("port"),
		},
	}
	if local.ID != "" {
		for i, n := range bootstrap {
			if n.ID == local.ID {
				local = bootstrap[i]
				break
			}
		}
	}

	dataDir, err := pathutil.ExpandUserAndEnv(viper.GetString("data-dir"))
	if err != nil {
		return atomix.Config{}, fmt.Errorf("expand --data-dir: %w", err)
	}

	var stateCacheBytes int64
	if raw := strings.TrimSpace(viper.GetString("state-cache")); raw != "" {
		bytes, err := humanize.ParseBytes(raw)
		if err != nil {
			return atomix.Config{}, fmt.Errorf("parse --state-cache: %w", err)
		}
		stateCacheBytes = int64(bytes)
	}

	return atomix.Config{
		ClusterName:     viper.GetString("cluster-name"),
		HTTPPort:        viper.GetInt("metrics-port"),
		LocalNode:       local,
		BootstrapNodes:  bootstrap,
		NumPartitions:   viper.GetInt("num-partitions"),
		PartitionSize:   viper.GetInt("partition-size"),
		PrimitiveTypes:  viper.GetStringSlice("primitive-types"),
		DataDir:         dataDir,
		StateCacheBytes: stateCacheBytes,
	}, nil
}

// parseBootstrapNodes parses repeated "id=host:port" flag values. A missing
// bootstrap set is legal here; atomix.New rejects it at Build time with a
// clearer error than a CLI-level one would give.
func parseBootstrapNodes(raw []string) ([]cluster.Node, error) {
	nodes := make([]cluster.Node, 0, len(raw))
	for _, entry := range raw {
		idPart, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --bootstrap %q: expected id=host:port", entry)
		}
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --bootstrap %q: expected id=host:port", entry)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --bootstrap %q: bad port: %w", entry, err)
		}
		nodes = append(nodes, cluster.Node{
			ID:       cluster.NodeId(idPart),
			Endpoint: cluster.Endpoint{Host: host, Port: port},
		})
	}
	return nodes, nil
}

func loggerForCommand(baseLogger pslog.Logger, subsystem string) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	logger := baseLogger
	if level, ok := pslog.ParseLevel(logLevel); ok {
		logger = logger.LogLevel(level)
	}
	return svcfields.WithSubsystem(logger, subsystem)
}
