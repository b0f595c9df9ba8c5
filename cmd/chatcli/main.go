// Command chatcli is a line-oriented terminal client for the room server.
//
//	chatcli -url http://localhost:8080 -token $CHAT_TOKEN -room lobby
//
// Plain lines are sent to the current room. Commands: /join <room>,
// /leave, /who, /history, /reconnect, /quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/chat-rooms/internal/client"
)

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "Room server base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "Bearer token")
	room := flag.String("room", "", "Room to join on start")
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required (-token or CHAT_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{ServerURL: *serverURL, Token: *token})
	drops := make(chan struct{}, 1)
	c.OnEvent(func(ev client.Event) {
		printEvent(ev)
		if ev.Type == client.EventDropped {
			select {
			case drops <- struct{}{}:
			default:
			}
		}
	})
	if err := withTimeout(ctx, c.Connect); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer c.Close()
	fmt.Printf("connected as %s\n", c.UserID())

	current := ""
	join := func(id string) {
		if err := withTimeout(ctx, func(ctx context.Context) error { return c.Join(ctx, id) }); err != nil {
			fmt.Printf("! join %s: %v\n", id, err)
			return
		}
		current = id
		fmt.Printf("* joined %s (%s)\n", id, strings.Join(c.Members(id), ", "))
		printHistory(c.Timeline(id))
	}
	if *room != "" {
		join(*room)
	}

	go reconnectOnDrop(ctx, c, drops)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/join":
			join(strings.TrimSpace(arg))
		case "/leave":
			if current == "" {
				continue
			}
			if err := withTimeout(ctx, func(ctx context.Context) error { return c.Leave(ctx, current) }); err != nil {
				fmt.Printf("! leave: %v\n", err)
				continue
			}
			fmt.Printf("* left %s\n", current)
			current = ""
		case "/who":
			fmt.Printf("* members: %s  typing: %s\n", names(c, c.Members(current)), names(c, c.Typing(current)))
		case "/history":
			printHistory(c.Timeline(current))
		case "/reconnect":
			if err := withTimeout(ctx, c.Reconnect); err != nil {
				fmt.Printf("! reconnect: %v\n", err)
			}
		case "/quit":
			return
		default:
			if current == "" {
				fmt.Println("! join a room first")
				continue
			}
			_ = c.StopTyping(current)
			if _, err := withTimeoutEntry(ctx, func(ctx context.Context) (client.Entry, error) {
				return c.Send(ctx, current, line)
			}); err != nil {
				fmt.Printf("! not sent: %v\n", err)
			}
		}
	}
}

// reconnectOnDrop re-establishes the channel with capped exponential
// backoff whenever it drops.
func reconnectOnDrop(ctx context.Context, c *client.Client, drops <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-drops:
		}

		backoff := 500 * time.Millisecond
		for {
			err := withTimeout(ctx, c.Reconnect)
			if err == nil {
				fmt.Println("* reconnected")
				break
			}
			fmt.Printf("! reconnect failed: %v (retrying in %s)\n", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func printEvent(ev client.Event) {
	who := ev.Username
	if who == "" {
		who = ev.UserID
	}
	switch ev.Type {
	case "receive_message":
		fmt.Printf("[%s] %s: %s\n", ev.RoomID, who, ev.Message.Content)
	case "user_joined":
		fmt.Printf("* %s joined %s\n", who, ev.RoomID)
	case "user_left":
		fmt.Printf("* %s left %s\n", who, ev.RoomID)
	case "typing_start":
		fmt.Printf("* %s is typing...\n", who)
	case "error":
		fmt.Printf("! %s: %s\n", ev.Err.Code, ev.Err.Message)
	case client.EventDropped:
		fmt.Println("! connection lost")
	}
}

func printHistory(tl *client.Timeline) {
	if tl == nil {
		return
	}
	for _, e := range tl.Messages() {
		mark := ""
		if e.State != client.Confirmed {
			mark = " (" + e.State.String() + ")"
		}
		fmt.Printf("  %s %s: %s%s\n", e.Message.CreatedAt.Format("15:04"), e.Message.SenderID, e.Message.Content, mark)
	}
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx)
}

func withTimeoutEntry(ctx context.Context, fn func(context.Context) (client.Entry, error)) (client.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return fn(ctx)
}

func names(c *client.Client, ids []string) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = c.DisplayName(id)
	}
	return strings.Join(out, ", ")
}
