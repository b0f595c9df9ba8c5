// Command loadtest drives a room server with simulated users.
//
//   - saturate: open N idle authenticated connections
//   - rooms:    fill rooms with members that exchange messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/whisper/chat-rooms/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  rooms       Room traffic test, members join rooms and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// tokenFor signs a short-lived token for a simulated user. The server must
// share the secret.
func tokenFor(secret, userID string) (string, error) {
	return auth.NewVerifier(auth.VerifierConfig{Secret: secret}).Sign(auth.Identity{UserID: userID}, time.Hour)
}
