package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/api/http"
	"github.com/EternisAI/silo-dispatch/internal/db"
	"github.com/EternisAI/silo-dispatch/internal/material"
	"github.com/EternisAI/silo-dispatch/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Grpc      GrpcConfig
	Database  db.Config
	Agents    AgentsConfig
	Jobs      JobsConfig
	Materials MaterialsConfig
	Auth      AuthConfig
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CertFile    string `mapstructure:"cert_file"`
	KeyFile     string `mapstructure:"key_file"`
	CAFile      string `mapstructure:"ca_file"`
	CAKeyFile   string `mapstructure:"ca_key_file"`
	ClientAuth  string `mapstructure:"client_auth"`
	DomainNames string `mapstructure:"domain_names"`
	IPAddresses string `mapstructure:"ip_addresses"`
}

type AgentsConfig struct {
	LostContactTimeout time.Duration `mapstructure:"lost_contact_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	KillGrace          time.Duration `mapstructure:"kill_grace"`
	AutoRegisterKeys   string        `mapstructure:"auto_register_keys"`
	AutoRegisterKeyTTL time.Duration `mapstructure:"auto_register_key_ttl"`
}

type JobsConfig struct {
	RescueTimeout     time.Duration `mapstructure:"rescue_timeout"`
	RescueInterval    time.Duration `mapstructure:"rescue_interval"`
	MaxAssignAttempts int           `mapstructure:"max_assign_attempts"`
}

type MaterialsConfig struct {
	PollInterval time.Duration        `mapstructure:"poll_interval"`
	Git          []material.GitConfig `mapstructure:"git"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Admins    []users.Admin `mapstructure:"admins"`
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

// ParseIPs skips entries that are not IP addresses.
func ParseIPs(input string) []net.IP {
	var ips []net.IP
	for _, s := range ParseCommaSeparated(input) {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-dispatch-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("database.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Auth.JWTSecret = redact(redacted.Auth.JWTSecret)
		redacted.Http.AdminAPIKey = redact(redacted.Http.AdminAPIKey)
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
