// Command assign-role seeds or updates the system role of a username in the
// user directory file, for granting the first host before the server runs.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"roomcast/internal/models"
	"roomcast/internal/users"
)

func main() {
	var (
		usersPath string
		username  string
		role      string
	)

	flag.StringVar(&usersPath, "users", "data/users.json", "Path to the user directory file")
	flag.StringVar(&username, "name", "", "Username to create or update")
	flag.StringVar(&role, "role", string(models.SystemRoleHost), "System role to assign (user, host, admin)")
	flag.Parse()

	if strings.TrimSpace(username) == "" {
		fatalf("--name is required")
	}
	systemRole := models.SystemRole(strings.ToLower(strings.TrimSpace(role)))
	if !systemRole.Valid() {
		fatalf("--role must be one of user, host, admin")
	}

	directory, err := users.NewDirectory(usersPath)
	if err != nil {
		fatalf("open user directory: %v", err)
	}

	existing, known := directory.Lookup(username)
	if !known {
		if _, err := directory.Resolve(username); err != nil {
			fatalf("create user: %v", err)
		}
	}

	user, err := directory.AssignRole(username, systemRole)
	if err != nil {
		fatalf("assign role: %v", err)
	}

	state := "updated"
	if !known {
		state = "created"
	} else if existing.SystemRole == user.SystemRole {
		state = "unchanged"
	}
	fmt.Printf("User %s (%s) %s with role %s.\n", user.Username, user.UserID, state, user.SystemRole)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
