package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/EternisAI/silo-dispatch/internal/grpc/codec"
	grpctls "github.com/EternisAI/silo-dispatch/internal/grpc/tls"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

// Client sends console chunks to the server. The connection is opened on
// first use and reconnects on its own afterwards.
type Client struct {
	serverAddr  string
	agentID     string
	tlsConfig   *TLSConfig
	dialOptions []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

func NewClient(serverAddr, agentID string, tlsConfig *TLSConfig, dialOptions ...grpc.DialOption) *Client {
	return &Client{
		serverAddr:  serverAddr,
		agentID:     agentID,
		tlsConfig:   tlsConfig,
		dialOptions: dialOptions,
	}
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	slog.Info("Connecting to console service", "address", c.serverAddr)

	var opts []grpc.DialOption
	if c.tlsConfig != nil && c.tlsConfig.Enabled {
		creds, err := grpctls.LoadClientCredentials(
			c.tlsConfig.CertFile,
			c.tlsConfig.KeyFile,
			c.tlsConfig.CAFile,
			c.tlsConfig.ServerNameOverride,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}

		opts = append(opts, grpc.WithTransportCredentials(creds))
		slog.Info("Using TLS connection")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection (TLS disabled)")
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)))
	opts = append(opts, c.dialOptions...)

	conn, err := grpc.NewClient(c.serverAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}
	c.conn = conn
	return conn, nil
}

// Append implements console.Sender.
func (c *Client) Append(ctx context.Context, chunk protocol.ConsoleChunk) (protocol.ConsoleAck, error) {
	conn, err := c.connection()
	if err != nil {
		return protocol.ConsoleAck{}, err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, protocol.AgentGUIDMetadataKey, c.agentID)

	var ack protocol.ConsoleAck
	if err := conn.Invoke(ctx, protocol.ConsoleAppendMethod, &chunk, &ack); err != nil {
		return protocol.ConsoleAck{}, err
	}
	return ack, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
