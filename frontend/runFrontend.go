package frontend

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/tsuzuku-app/tsuzuku/frontend/client"
	"github.com/tsuzuku-app/tsuzuku/frontend/cmd"
)

// RunFrontend starts the interactive shell.
func RunFrontend() {
	// Load the .env file
	err := godotenv.Load("frontend/.env")
	if err != nil {
		fmt.Println("Error loading .env file")
	}

	// Read the environment variables
	signingKey := os.Getenv("JWT_SIGNING_KEY")
	authToken := os.Getenv("AUTH_TOKEN")
	authTokenRefresh := os.Getenv("AUTH_TOKEN_REFRESH")
	serverURL := os.Getenv("SERVER_URL")
	cronSecret := os.Getenv("CRON_SECRET")

	// Set default keyring entry names if the environment variables are empty
	if authToken == "" {
		authToken = "tsuzuku_auth_token"
	}
	if authTokenRefresh == "" {
		authTokenRefresh = "tsuzuku_auth_token_refresh"
	}

	// Start each session with a clean keyring
	keyring.Delete(client.KeyringService, authToken)
	keyring.Delete(client.KeyringService, authTokenRefresh)

	client.InitClient(serverURL, signingKey, authToken, authTokenRefresh, cronSecret)
	cmd.InitCmd()
	cmd.Execute()
}
