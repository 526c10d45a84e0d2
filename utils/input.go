package utils

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptToken demande le token OAuth au terminal, sans écho, quand il
// n'est pas fourni par l'environnement.
func PromptToken() (string, error) {
	for {
		fmt.Print("Enter OAuth token: ")
		token, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		if len(token) == 0 {
			fmt.Println("Token must not be empty.")
			continue
		}
		return string(token), nil
	}
}
