// Command relaytoken mints a development token accepted by the relay.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-relay/internal/auth"
	"github.com/npezzotti/go-relay/internal/config"
	"github.com/npezzotti/go-relay/internal/types"
)

func main() {
	_ = godotenv.Load()

	var (
		id         = flag.String("id", "", "user id")
		username   = flag.String("username", "", "display name")
		signingKey = flag.String("signing-key", os.Getenv("RELAY_SIGNING_KEY"), "base64 encoded token signing key")
		exp        = flag.Duration("exp", 7*24*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "relaytoken: -id is required")
		os.Exit(2)
	}

	key, err := config.DecodeSigningKey(*signingKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relaytoken: signing key:", err)
		os.Exit(1)
	}

	token, err := auth.NewToken(key, types.UserIdentity{Id: *id, DisplayName: *username}, *exp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "relaytoken:", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
