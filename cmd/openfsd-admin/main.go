// Command openfsd-admin manages server accounts and the client software
// whitelist.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/openfsd/openfsd/pkg/auth"
	"github.com/openfsd/openfsd/pkg/database"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  add-user      Create a network account
  list-users    List network accounts
  add-client    Whitelist a client software identifier
  list-clients  List whitelisted client software

Run '%s <command> -h' for command flags.
`, os.Args[0], os.Args[0])
	os.Exit(2)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "add-user":
		err = addUser(os.Args[2:])
	case "list-users":
		err = listUsers(os.Args[2:])
	case "add-client":
		err = addClient(os.Args[2:])
	case "list-clients":
		err = listClients(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dbPathFlag registers the shared -db flag, honoring the same environment
// override the server uses.
func dbPathFlag(fs *flag.FlagSet) *string {
	path := "openfsd.db"
	if env := os.Getenv("OPENFSD_SERVER_DATABASE_PATH"); env != "" {
		path = env
	}
	return fs.String("db", path, "path to the SQLite database")
}

func addUser(args []string) error {
	fs := flag.NewFlagSet("add-user", flag.ExitOnError)
	dbPath := dbPathFlag(fs)
	networkID := fs.String("id", "", "network ID (required)")
	password := fs.String("password", "", "password (required)")
	realName := fs.String("name", "", "real name (required)")
	atcRating := fs.Int("atc-rating", 1, "ATC rating")
	pilotRating := fs.Int("pilot-rating", 1, "pilot rating")
	fs.Parse(args)

	if *networkID == "" || *password == "" || *realName == "" {
		return fmt.Errorf("-id, -password and -name are required")
	}

	db, err := database.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		return err
	}

	user, err := db.CreateUser(*networkID, hash, *realName, *atcRating, *pilotRating)
	if err != nil {
		return err
	}

	fmt.Printf("Created user %s (%s)\n", user.NetworkID, user.RealName)
	return nil
}

func listUsers(args []string) error {
	fs := flag.NewFlagSet("list-users", flag.ExitOnError)
	dbPath := dbPathFlag(fs)
	fs.Parse(args)

	db, err := database.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := db.ListUsers()
	if err != nil {
		return err
	}

	if len(users) == 0 {
		fmt.Println("No users")
		return nil
	}

	fmt.Printf("%-12s %-30s %-10s %-12s\n", "NETWORK ID", "REAL NAME", "ATC", "PILOT")
	for _, u := range users {
		fmt.Printf("%-12s %-30s %-10d %-12d\n", u.NetworkID, u.RealName, u.ATCRating, u.PilotRating)
	}
	return nil
}

func addClient(args []string) error {
	fs := flag.NewFlagSet("add-client", flag.ExitOnError)
	dbPath := dbPathFlag(fs)
	clientID := fs.String("id", "", "client software identifier (required)")
	clientName := fs.String("name", "", "client software name (required)")
	fs.Parse(args)

	if *clientID == "" || *clientName == "" {
		return fmt.Errorf("-id and -name are required")
	}

	db, err := database.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.AddWhitelistedClient(*clientID, *clientName); err != nil {
		return err
	}

	fmt.Printf("Whitelisted client %s (%s)\n", *clientID, *clientName)
	return nil
}

func listClients(args []string) error {
	fs := flag.NewFlagSet("list-clients", flag.ExitOnError)
	dbPath := dbPathFlag(fs)
	fs.Parse(args)

	db, err := database.Open(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	clients, err := db.ListWhitelistedClients()
	if err != nil {
		return err
	}

	if len(clients) == 0 {
		fmt.Println("No whitelisted clients")
		return nil
	}

	fmt.Printf("%-10s %-30s %-8s\n", "CLIENT ID", "NAME", "ENABLED")
	for _, c := range clients {
		fmt.Printf("%-10s %-30s %-8t\n", c.ClientID, c.ClientName, c.Enabled)
	}
	return nil
}
