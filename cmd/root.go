package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"etl-sync/internal/dialect"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	sourceDSN string
	targetDSN string
	verbose   bool

	SourceDB     *sql.DB
	TargetDB     *sql.DB
	SourceDriver string
	TargetDriver string
	SourceSchema string
	TargetSchema string
	Log          *zap.Logger
)

var RootCmd = &cobra.Command{
	Use:   "etl-sync",
	Short: "Incremental database replication for practice-management data",
	Long: `etl-sync replicates a live practice-management database into an
analytics target on a recurring schedule: exact structural replicas,
watermark-driven incremental extraction, chunked full copies and
dependency-ordered scheduling.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Log, err = buildLogger()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}

		SourceDB, SourceDriver, SourceSchema, err = openPool("source")
		if err != nil {
			return err
		}
		TargetDB, TargetDriver, TargetSchema, err = openPool("target")
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if SourceDB != nil {
			SourceDB.Close()
		}
		if TargetDB != nil {
			TargetDB.Close()
		}
		if Log != nil {
			_ = Log.Sync()
		}
	},
}

func buildLogger() (*zap.Logger, error) {
	if verbose || viper.GetBool("log.debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openPool connects one of the two pools ("source" or "target") from the
// corresponding viper section. Driver detection mirrors the DSN heuristic
// unless the config names one explicitly.
func openPool(role string) (*sql.DB, string, string, error) {
	dsn := viper.GetString(role + ".dsn")
	if dsn == "" {
		return nil, "", "", fmt.Errorf("%s.dsn is required (via flag or config)", role)
	}

	driver := viper.GetString(role + ".driver")
	if driver == "" {
		if strings.Contains(dsn, "postgres") || strings.Contains(dsn, "sslmode") {
			driver = "postgres"
		} else {
			driver = "mysql"
		}
	}
	if _, err := dialect.GetDialect(driver); err != nil {
		return nil, "", "", fmt.Errorf("%s: %w", role, err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to open %s db: %w", role, err)
	}
	if err := db.Ping(); err != nil {
		return nil, "", "", fmt.Errorf("failed to connect to %s db: %w", role, err)
	}

	schemaName := viper.GetString(role + ".schema")
	if schemaName == "" && driver == "mysql" {
		if err := db.QueryRow("SELECT DATABASE()").Scan(&schemaName); err != nil {
			return nil, "", "", fmt.Errorf("failed to get %s database name: %w", role, err)
		}
		if schemaName == "" {
			return nil, "", "", fmt.Errorf("no database selected in %s DSN", role)
		}
	}

	Log.Debug("connected pool",
		zap.String("role", role),
		zap.String("driver", driver),
		zap.String("schema", schemaName))
	return db, driver, schemaName, nil
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./etl-sync.yaml)")
	RootCmd.PersistentFlags().StringVar(&sourceDSN, "source-dsn", "", "source database DSN (read-only)")
	RootCmd.PersistentFlags().StringVar(&targetDSN, "target-dsn", "", "target database DSN")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	viper.BindPFlag("source.dsn", RootCmd.PersistentFlags().Lookup("source-dsn"))
	viper.BindPFlag("target.dsn", RootCmd.PersistentFlags().Lookup("target-dsn"))

	viper.SetDefault("source.dsn", "root:root@tcp(127.0.0.1:3306)/practice?parseTime=true")
	viper.SetDefault("target.dsn", "root:root@tcp(127.0.0.1:3306)/practice_analytics?parseTime=true")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 1. Executable Directory (Priority 1)
		ex, err := os.Executable()
		if err == nil {
			viper.AddConfigPath(filepath.Dir(ex))
		}

		// 2. Current Directory (Priority 2)
		viper.AddConfigPath(".")

		viper.SetConfigName("etl-sync")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
