// devtoken mints a bearer token for local testing against a server that
// verifies JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
)

func main() {
	_ = godotenv.Load()

	subject := flag.String("sub", "", "user id to put in the token subject")
	admin := flag.Bool("admin", false, "grant the admin role")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(1)
	}
	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Usage: devtoken -sub <user_id> [-admin] [-ttl 24h]")
		os.Exit(1)
	}

	role := ""
	if *admin {
		role = middleware.RoleAdmin
	}

	token, err := middleware.SignToken(secret, *subject, role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
