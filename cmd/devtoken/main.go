// Command devtoken prints a bearer token for local testing, signed with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"coinvault/pkg/auth"
	"coinvault/pkg/config"
)

func main() {
	user := flag.String("user", "", "user id to put in the subject claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *user == "" {
		log.Fatal("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		log.Fatal(err)
	}
	token, err := verifier.Sign(*user, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
