package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/form3tech-oss/jwt-go"
	"github.com/zalando/go-keyring"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/backend/reconcile"
	"github.com/tsuzuku-app/tsuzuku/backend/server/auth"
	"github.com/tsuzuku-app/tsuzuku/backend/tracker"
)

// jwtSigningKey is used to verify JWT tokens client-side before sending them.
var jwtSigningKey string

// KeyringKey is used to store and retrieve the JWT token from the system keyring.
var KeyringKey string

// RefreshKeyringKey is used to store and retrieve the refresh token from the system keyring.
var RefreshKeyringKey string

// ServerURL is the URL of the server the client is connecting to.
var ServerURL string

// cronSecret is the shared secret presented when triggering a reconciliation run.
var cronSecret string

// httpClient is the HTTP client used to make requests to the server.
var httpClient = &http.Client{}

// KeyringService is the name of the service in the system keyring where the JWT token and refresh token are stored.
const KeyringService = "Tsuzuku"

// InitClient initializes the package globals.
// This function must be called before using any other functions in the package.
func InitClient(serverURL, signingKey, authToken, authTokenRefresh, secret string) {
	ServerURL = serverURL
	jwtSigningKey = signingKey
	KeyringKey = authToken
	RefreshKeyringKey = authTokenRefresh
	cronSecret = secret
}

// decodeJWT decodes a JWT token and returns the claims contained within it.
// It returns an error if the token is invalid.
func decodeJWT(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSigningKey), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// isJwtTokenInKeyring checks if the system keyring contains a JWT token.
// Returns 'true' and the token if it exists, 'false' and an empty string if it doesn't.
func isJwtTokenInKeyring() (bool, string, error) {
	jwtStr, err := keyring.Get(KeyringService, KeyringKey)
	if err != nil {
		if err == keyring.ErrNotFound {
			return false, "", nil
		}
		return false, "", errors.New("failed to access keyring: " + err.Error())
	}
	return true, jwtStr, nil
}

// saveTokens stores a token pair in the system keyring atomically.
func saveTokens(tokens *auth.Tokens) error {
	if err := keyring.Set(KeyringService, KeyringKey, tokens.AuthToken); err != nil {
		return err
	}
	if tokens.RefreshToken != "" {
		if err := keyring.Set(KeyringService, RefreshKeyringKey, tokens.RefreshToken); err != nil {
			keyring.Delete(KeyringService, KeyringKey)
			return err
		}
	}
	return nil
}

// ClearKeyring clears the JWT token and refresh token from the system keyring atomically.
func ClearKeyring() error {
	accessToken, err := keyring.Get(KeyringService, KeyringKey)
	if err != nil {
		return errors.New("failed to retrieve access token from keyring: " + err.Error())
	}

	err = keyring.Delete(KeyringService, KeyringKey)
	if err != nil {
		return errors.New("failed to delete access token from keyring: " + err.Error())
	}

	err = keyring.Delete(KeyringService, RefreshKeyringKey)
	if err != nil {
		keyring.Set(KeyringService, KeyringKey, accessToken)
		return errors.New("failed to delete refresh token from keyring: " + err.Error())
	}

	return nil
}

// IsUserAuthenticated checks if the user is authenticated by checking if a valid JWT token
// exists in the system keyring. If a valid token is found, it returns the token, else it
// returns an empty string. If the token is expired, it tries to refresh it using the
// refresh token.
func IsUserAuthenticated() (string, error) {
	hasJwt, tokenStr, err := isJwtTokenInKeyring()
	if err != nil {
		return "", err
	}
	if !hasJwt {
		return "", nil
	}

	_, err = decodeJWT(tokenStr)
	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok {
			if ve.Errors&jwt.ValidationErrorExpired != 0 {
				newToken, refreshErr := RefreshAccessToken()
				if refreshErr != nil {
					return "", refreshErr
				}
				return newToken, nil
			}
		}
		return "", err
	}

	return tokenStr, nil
}

// sendRequest sends a JSON request to the server and decodes the JSON response into dest.
// The token, when non-nil, is sent as a bearer token. Error responses from the server are
// surfaced as plain errors carrying the server's message.
func sendRequest(method, path string, token *string, body interface{}, dest interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("failed to create request: %v", err)
		}
	}

	req, err := http.NewRequest(method, ServerURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != nil {
		req.Header.Add("Authorization", "Bearer "+*token)
	}
	if path == "/api/cron/reconcile" {
		req.Header.Set("X-Cron-Secret", cronSecret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Error != "" {
			return errors.New(errResp.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if dest != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, dest); err != nil {
			return err
		}
	}
	return nil
}

// authenticatedRequest resolves the current token and sends the request with it.
func authenticatedRequest(method, path string, body interface{}, dest interface{}) error {
	token, err := IsUserAuthenticated()
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("no user is currently signed in")
	}
	return sendRequest(method, path, &token, body, dest)
}

// RefreshAccessToken attempts to refresh the JWT token using the refresh token.
// Returns the refreshed token if successful, else an error.
func RefreshAccessToken() (string, error) {
	refreshToken, err := keyring.Get(KeyringService, RefreshKeyringKey)
	if err != nil {
		return "", errors.New("expired refresh token")
	}

	var tokens auth.Tokens
	err = sendRequest("POST", "/api/auth/refresh", nil, map[string]string{
		"refresh_token": refreshToken,
	}, &tokens)
	if err != nil {
		return "", errors.New("expired refresh token")
	}

	if err := saveTokens(&tokens); err != nil {
		return "", err
	}
	return tokens.AuthToken, nil
}

// SignIn attempts to sign in a user with the provided username and password.
// Returns the token pair if the sign in was successful, else an error.
func SignIn(username, password string) (string, string, error) {
	isSignedIn, _, err := isJwtTokenInKeyring()
	if err != nil {
		return "", "", err
	}
	if isSignedIn {
		return "", "", errors.New("a user is already signed in")
	}

	var tokens auth.Tokens
	err = sendRequest("POST", "/api/auth/signin", nil, map[string]string{
		"username": username,
		"password": password,
	}, &tokens)
	if err != nil {
		return "", "", err
	}

	if err := saveTokens(&tokens); err != nil {
		return "", "", err
	}
	return tokens.AuthToken, tokens.RefreshToken, nil
}

// SignUp attempts to register a new account and signs the user in on success.
func SignUp(username, email, password, timezone string) (string, string, error) {
	isSignedIn, _, err := isJwtTokenInKeyring()
	if err != nil {
		return "", "", err
	}
	if isSignedIn {
		return "", "", errors.New("a user is already signed in")
	}

	var tokens auth.Tokens
	err = sendRequest("POST", "/api/auth/signup", nil, map[string]string{
		"username": username,
		"email":    email,
		"password": password,
		"timezone": timezone,
	}, &tokens)
	if err != nil {
		return "", "", err
	}

	if err := saveTokens(&tokens); err != nil {
		return "", "", err
	}
	return tokens.AuthToken, tokens.RefreshToken, nil
}

// SignOut discards the stored tokens. The tokens themselves are stateless, so
// signing out is purely a client-side operation.
func SignOut() error {
	return ClearKeyring()
}

// ListHabits returns the signed-in user's habits with their streak overviews.
func ListHabits() ([]tracker.Overview, error) {
	var overviews []tracker.Overview
	if err := authenticatedRequest("GET", "/api/habits", nil, &overviews); err != nil {
		return nil, err
	}
	return overviews, nil
}

// AddHabit creates a new habit with the given name and frequency.
func AddHabit(name string, frequency models.Frequency) (*models.Habit, error) {
	var habit models.Habit
	err := authenticatedRequest("POST", "/api/habits", map[string]interface{}{
		"name":      name,
		"frequency": frequency,
	}, &habit)
	if err != nil {
		return nil, err
	}
	return &habit, nil
}

// FindHabitByName resolves a habit by its name from the user's habit list.
func FindHabitByName(name string) (*models.Habit, error) {
	overviews, err := ListHabits()
	if err != nil {
		return nil, err
	}
	for i := range overviews {
		if overviews[i].Habit.Name == name {
			return &overviews[i].Habit, nil
		}
	}
	return nil, fmt.Errorf("no habit named '%s'", name)
}

// CompleteHabit records a completion for the habit on the given day.
// An empty day means today.
func CompleteHabit(habitID string, day string) (*models.Habit, error) {
	body := map[string]string{}
	if day != "" {
		body["day"] = day
	}
	var habit models.Habit
	err := authenticatedRequest("POST", "/api/habits/"+habitID+"/completions", body, &habit)
	if err != nil {
		return nil, err
	}
	return &habit, nil
}

// UncompleteHabit removes the completion for the habit on the given day.
func UncompleteHabit(habitID string, day string) (*models.Habit, error) {
	var habit models.Habit
	err := authenticatedRequest("DELETE", "/api/habits/"+habitID+"/completions/"+day, nil, &habit)
	if err != nil {
		return nil, err
	}
	return &habit, nil
}

// GetStreak fetches the streak overview for one habit.
func GetStreak(habitID string) (*tracker.Overview, error) {
	var overview tracker.Overview
	err := authenticatedRequest("GET", "/api/habits/"+habitID+"/streak", nil, &overview)
	if err != nil {
		return nil, err
	}
	return &overview, nil
}

// UpdateHabitStatus changes a habit's lifecycle status.
func UpdateHabitStatus(habitID string, status models.HabitStatus) (*models.Habit, error) {
	var habit models.Habit
	err := authenticatedRequest("PATCH", "/api/habits/"+habitID, map[string]interface{}{
		"status": status,
	}, &habit)
	if err != nil {
		return nil, err
	}
	return &habit, nil
}

// DeleteHabit deletes a habit and its completion history.
func DeleteHabit(habitID string) error {
	return authenticatedRequest("DELETE", "/api/habits/"+habitID, nil, nil)
}

// TriggerReconcile asks the server to run a reconciliation pass now.
// The configured cron secret authorizes the request.
func TriggerReconcile() (*reconcile.Summary, error) {
	var summary reconcile.Summary
	if err := sendRequest("POST", "/api/cron/reconcile", nil, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
