// ABOUTME: Minimal echo agent for E2E testing over the gRPC agent channel
// ABOUTME: Echoes customer messages back with markdown. Usage: echo-agent -token TOKEN [-addr localhost:50051]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/2389/switchboard/internal/agentrpc"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/state"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC server address")
	token := flag.String("token", os.Getenv("SWITCHBOARD_AGENT_TOKEN"), "agent token (see: switchboard token --role agent)")
	flag.Parse()

	if *token == "" {
		log.Fatal("an agent token is required")
	}
	if err := run(*addr, *token); err != nil {
		log.Fatal(err)
	}
}

func run(addr, token string) error {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cc.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)

	stream, err := agentrpc.Connect(ctx, cc)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	// Ask for the current chats so the log shows what we joined.
	info, err := conn.NewFrame(conn.EventSystemInfo)
	if err != nil {
		return err
	}
	info.ID = "info"
	if err := stream.Send(info); err != nil {
		return fmt.Errorf("failed to request system info: %w", err)
	}

	seq := 0
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch {
		case f.ReplyTo == "info":
			log.Printf("connected: %s", f.Result)
			continue
		case f.IsReply():
			if f.Error != "" {
				log.Printf("message %s rejected: %s", f.ReplyTo, f.Error)
			}
			continue
		case f.Event != conn.EventReceive:
			continue
		}

		var msg state.Message
		if err := f.Arg(0, &msg); err != nil {
			log.Printf("bad receive frame: %v", err)
			continue
		}
		if msg.AuthorType != state.AuthorCustomer || msg.Type == state.MessageTypeEvent {
			continue
		}

		log.Printf("received message [%s]: %s", msg.SessionID, msg.Text)

		seq++
		reply, err := conn.NewFrame(conn.EventMessage, state.Message{
			Text:      echoReply(msg.Text),
			SessionID: msg.SessionID,
		})
		if err != nil {
			return err
		}
		reply.ID = fmt.Sprintf("echo-%d", seq)
		if err := stream.Send(reply); err != nil {
			log.Printf("send error: %v", err)
		}
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
