package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/omochice/tabletalk-chat/internal/client"
	"github.com/omochice/tabletalk-chat/pkg/protocol"
)

func main() {
	serverAddr := flag.String("server", "ws://localhost:8080", "Server address (e.g., ws://localhost:8080)")
	token := flag.String("token", "", "Bearer token (access or temp token)")
	observer := flag.String("observer", "", "Connect as a receive-only observer with this tag")
	room := flag.Int64("room", 0, "Room to join")
	useJSON := flag.Bool("json", false, "Use the JSON endpoint instead of the binary one")
	flag.Parse()

	if *room <= 0 {
		log.Fatal("Room is required. Use -room flag")
	}
	if *token == "" && *observer == "" {
		log.Fatal("Either -token or -observer is required")
	}

	opts := client.Options{Token: *token, Observer: *observer, JSON: *useJSON, Room: *room}
	addr, err := client.Endpoint(*serverAddr, opts)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	c := client.New(addr, opts)
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer c.Disconnect()

	log.Printf("Connected to %s", addr)

	// Observers on the binary endpoint are joined by the server.
	if *token != "" || *useJSON {
		if err := c.Join(ctx, *room); err != nil {
			log.Fatalf("Failed to join room: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for resp := range c.Messages() {
			printResponse(resp)
		}
		if err := c.Err(); err != nil {
			log.Printf("Connection closed: %v", err)
		}
	}()

	fmt.Println("Type your messages (or 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			break
		}
		if err := c.SendMessage(ctx, *room, text); err != nil {
			log.Printf("Failed to send message: %v", err)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}

	select {
	case <-done:
	default:
		if err := c.Leave(ctx, *room); err != nil {
			log.Printf("Failed to send leave message: %v", err)
		}
	}

	log.Println("Disconnected from server")
}

func printResponse(resp *protocol.ChatResponse) {
	if !resp.Success {
		fmt.Printf("!!! %s: %s\n", resp.ErrorCode, resp.ErrorMessage)
		return
	}
	switch r := resp.Result.(type) {
	case *protocol.ChatMessage:
		name := r.SenderName
		if name == "" {
			name = fmt.Sprintf("#%d", r.SenderID)
		}
		fmt.Printf("[%s] %s: %s\n", r.Timestamp.Local().Format("15:04:05"), name, r.Content)
	case *protocol.JoinRoomResponse:
		fmt.Printf("*** joined room %d ***\n", r.RoomID)
	case *protocol.LeaveRoomResponse:
		fmt.Printf("*** left room %d ***\n", r.RoomID)
	}
}
