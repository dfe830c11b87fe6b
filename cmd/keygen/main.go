// Prints a fresh pair of signing secrets for the token service. Run
// once per environment and store the output in the secret manager.
package main

import (
	"fmt"
	"os"

	"github.com/gatehouse-io/gatehouse/pkg/secure"
)

func main() {
	access, err := secure.GenerateSecureToken(48)
	if err != nil {
		fmt.Fprintln(os.Stderr, "entropy unavailable:", err)
		os.Exit(1)
	}
	refresh, err := secure.GenerateSecureToken(48)
	if err != nil {
		fmt.Fprintln(os.Stderr, "entropy unavailable:", err)
		os.Exit(1)
	}
	fmt.Printf("ACCESS_TOKEN_SECRET=%s\n", access)
	fmt.Printf("REFRESH_TOKEN_SECRET=%s\n", refresh)
}
