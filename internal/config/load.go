package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	// explicit .env loading; a missing .env is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("agentgate")
	}

	viper.SetEnvPrefix("AGENTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Execution defaults
	viper.SetDefault("max_concurrent", 2)
	viper.SetDefault("max_queue_size", 50)
	viper.SetDefault("exec_timeout_seconds", 300)
	viper.SetDefault("kill_grace_seconds", 5)
	viper.SetDefault("stale_check_interval_seconds", 60)
	viper.SetDefault("max_process_lifetime_seconds", 7200)
	viper.SetDefault("metrics_addr", ":2112")
	viper.SetDefault("verbose", false)

	// Sandbox defaults
	viper.SetDefault("sandbox.provider", "subprocess")
	viper.SetDefault("sandbox.image", "agentgate/workspace:latest")
	viper.SetDefault("sandbox.memory_bytes", int64(2<<30))
	viper.SetDefault("sandbox.cpu_quota", int64(100000))
	viper.SetDefault("sandbox.pids_limit", int64(256))

	// Audit defaults
	viper.SetDefault("audit.destination", "file")
	viper.SetDefault("audit.content", false)
	viper.SetDefault("audit.max_size_bytes", int64(10<<20))
	viper.SetDefault("audit.retention_days", 90)

	// Persistence defaults
	viper.SetDefault("state_dir", defaultStateDir())
	viper.SetDefault("db.type", "sqlite")
	viper.SetDefault("db.connection_string", "")

	// Git identity for synthetic snapshot commits
	viper.SetDefault("git_user_email", "agentgate@example.com")
	viper.SetDefault("git_user_name", "agentgate")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentgate"
	}
	return filepath.Join(home, ".agentgate")
}
