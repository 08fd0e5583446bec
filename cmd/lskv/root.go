package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/twlk9/lskv"
)

const version = "1.0.0"

var (
	rootCmd = &cobra.Command{
		Use:   "lskv",
		Short: "inspect and maintain lskv environments",
		Long: fmt.Sprintf(`lskv (v%s)

Command line tool for lskv environments: a log-structured key-value store
with a log cleaner and a cache evictor. Every flag can also be set through
an LSKV_ environment variable, e.g. LSKV_PATH or LSKV_CACHE_SIZE.`, version),
		SilenceUsage:      true,
		PersistentPreRunE: bindFlags,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of lskv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lskv v%s\n", version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("path", "", "environment directory")
	flags.String("db", "default", "database name")
	flags.Bool("read-only", false, "open the environment read-only")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Int64("cache-size", lskv.DefaultCacheSize, "cache size in bytes")
	flags.Int64("segment-size", lskv.DefaultSegmentSize, "log segment size in bytes")
	flags.Int("min-utilization", lskv.DefaultMinUtilization, "cleaning threshold in percent")
	flags.String("cache-mode", "DEFAULT", "environment cache mode")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(segmentsCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(metricsCmd)
}

// initConfig loads .env files and lets LSKV_* variables override flags.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("lskv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

func logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return slog.LevelWarn
	}
	return lvl
}

// options builds environment options from flags and the environment.
func options(readOnly bool) (*lskv.Options, error) {
	path := viper.GetString("path")
	if path == "" {
		return nil, fmt.Errorf("no environment path: use --path or LSKV_PATH")
	}
	mode, err := lskv.ParseCacheMode(viper.GetString("cache-mode"))
	if err != nil {
		return nil, err
	}
	opts := lskv.DefaultOptions()
	opts.Path = path
	opts.ReadOnly = readOnly || viper.GetBool("read-only")
	opts.CreateIfMissing = !opts.ReadOnly
	opts.CacheSize = viper.GetInt64("cache-size")
	opts.SegmentSize = viper.GetInt64("segment-size")
	opts.MinUtilization = viper.GetInt("min-utilization")
	opts.CacheMode = mode
	opts.Logger = lskv.NewLogger(os.Stderr, logLevel())
	return opts, nil
}

// openEnv opens the environment; readOnly forces a read-only open.
func openEnv(readOnly bool) (*lskv.DB, error) {
	opts, err := options(readOnly)
	if err != nil {
		return nil, err
	}
	db, err := lskv.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open environment: %w", err)
	}
	return db, nil
}

// openDatabase opens the environment and the --db database.
func openDatabase(readOnly, create bool) (*lskv.DB, *lskv.Database, error) {
	db, err := openEnv(readOnly)
	if err != nil {
		return nil, nil, err
	}
	d, err := db.OpenDatabase(viper.GetString("db"), &lskv.DatabaseConfig{AllowCreate: create})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, d, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
