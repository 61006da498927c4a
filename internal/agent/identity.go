package agent

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnsureUUID returns current when set. Otherwise it generates a UUID and,
// when configPath is non-empty, writes it to agent.uuid in that YAML file
// so the agent keeps its identity across restarts.
func EnsureUUID(configPath, current string) (string, error) {
	if current != "" {
		if _, err := uuid.Parse(current); err != nil {
			return "", fmt.Errorf("invalid agent uuid %q: %w", current, err)
		}
		return current, nil
	}

	agentUUID := uuid.NewString()
	if configPath == "" {
		return agentUUID, nil
	}
	if err := saveUUIDToConfig(configPath, agentUUID); err != nil {
		return "", err
	}
	return agentUUID, nil
}

func saveUUIDToConfig(configPath, agentUUID string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if config == nil {
		config = make(map[string]any)
	}

	agentConfig, ok := config["agent"].(map[string]any)
	if !ok {
		agentConfig = make(map[string]any)
		config["agent"] = agentConfig
	}
	agentConfig["uuid"] = agentUUID

	updatedData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Agent identity generated on " + time.Now().Format(time.RFC3339) + "\n"
	info, err := os.Stat(configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(comment+string(updatedData)), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ResolveIdentity fills in hostname and the outbound IP address.
func ResolveIdentity(agentUUID, location, serverHost string) protocol.AgentIdentity {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return protocol.AgentIdentity{
		UUID:      agentUUID,
		Hostname:  hostname,
		IPAddress: outboundIP(serverHost),
		Location:  location,
	}
}

// outboundIP picks the local address used to reach host. No packet is sent.
func outboundIP(host string) string {
	if host == "" {
		host = "8.8.8.8"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "80"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
