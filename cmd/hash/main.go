// Package main prints admin API keys and their bcrypt hashes. The server only
// stores hashes (auth.admin_api_key_hashes / LAR_AUTH_ADMIN_API_KEY_HASHES),
// so this tool is how an operator provisions a key without running the server.
//
//	hash            generate a new key and print it with its hash
//	hash <key>      print the hash of an existing key
package main

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/live-assets/asset-repository/internal/auth"
)

func main() {
	if len(os.Args) > 1 {
		hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[1]), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(hash))
		return
	}

	key, hash, prefix, err := auth.GenerateAPIKey("lar")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Key:    %s\n", key)
	fmt.Printf("Prefix: %s\n", prefix)
	fmt.Printf("Hash:   %s\n", hash)
	fmt.Println()
	fmt.Println("Add the hash to auth.admin_api_key_hashes. The key is not shown again.")
}
