package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig
	Server  ServerConfig
	Grpc    GrpcConfig
	Agent   AgentConfig
	Console ConsoleConfig
}

type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GrpcConfig struct {
	ServerAddress string    `mapstructure:"server_address"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

type AgentConfig struct {
	UUID             string        `mapstructure:"uuid"`
	Location         string        `mapstructure:"location"`
	AutoRegisterKey  string        `mapstructure:"auto_register_key"`
	Resources        string        `mapstructure:"resources"`
	Environments     string        `mapstructure:"environments"`
	ElasticProfileID string        `mapstructure:"elastic_profile_id"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	WorkDir          string        `mapstructure:"work_dir"`
	TermGrace        time.Duration `mapstructure:"term_grace"`
}

type ConsoleConfig struct {
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxBatchLines    int           `mapstructure:"max_batch_lines"`
	MaxBufferedLines int           `mapstructure:"max_buffered_lines"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-dispatch-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("agent.auto_register_key", "AUTO_REGISTER_KEY")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
