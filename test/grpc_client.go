package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	grpcclient "github.com/EternisAI/silo-dispatch/internal/grpc/client"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"github.com/google/uuid"
)

var (
	address   = flag.String("address", "localhost:9090", "Console gRPC server address")
	agentID   = flag.String("agent-id", "", "Agent UUID holding the build (random when empty)")
	buildID   = flag.Int64("build-id", 1, "Build id to append console lines to")
	chunks    = flag.Int("chunks", 3, "Number of chunks to send")
	chunkSize = flag.Int("lines", 5, "Lines per chunk")
	delay     = flag.Duration("delay", time.Second, "Delay between chunks")
)

func main() {
	flag.Parse()

	if *agentID == "" {
		*agentID = uuid.NewString()
	}
	log.Printf("Sending console for build %d as agent %s to %s", *buildID, *agentID, *address)

	client := grpcclient.NewClient(*address, *agentID, nil)
	defer client.Close()

	var seq int64
	for i := 0; i < *chunks; i++ {
		if i > 0 {
			time.Sleep(*delay)
		}

		lines := make([]string, *chunkSize)
		for j := range lines {
			lines[j] = fmt.Sprintf("chunk %d line %d", i, j)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ack, err := client.Append(ctx, protocol.ConsoleChunk{
			AgentUUID: *agentID,
			BuildID:   *buildID,
			Seq:       seq,
			Lines:     lines,
		})
		cancel()
		if err != nil {
			log.Fatalf("Append failed: %v", err)
		}

		log.Printf("Sent seq=%d lines=%d, ack next_seq=%d ignored=%t", seq, len(lines), ack.NextSeq, ack.Ignored)
		if ack.Ignored {
			log.Println("Server does not consider the build held by this agent, stopping")
			break
		}
		seq = ack.NextSeq
	}

	log.Println("Test client finished")
}
