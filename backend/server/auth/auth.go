package auth

import (
	"context"
	"errors"
	"time"

	"github.com/form3tech-oss/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/lib/utils"
)

// store is a global variable that holds an interface to the storage system (database).
var store storage.StorageInterface

// jwtSigningKey is a global variable that holds the key used for signing and verifying JWT tokens.
var jwtSigningKey string

// ErrInvalidCredentials is returned by SignIn when the username or password
// does not match. It deliberately does not say which.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Tokens is the pair handed to a client on successful authentication.
type Tokens struct {
	AuthToken    string `json:"auth_token"`
	RefreshToken string `json:"refresh_token"`
}

// InitAuth initializes the authentication system with a storage handle and
// the JWT signing key. It must be called before any other function in this
// package.
func InitAuth(s storage.StorageInterface, signingKey string) {
	store = s
	jwtSigningKey = signingKey
}

// CreateAuthToken creates a short-lived signed JWT for a user id.
// Returns a signed JWT token or an error if there was a problem during the token creation.
func CreateAuthToken(userId string) (string, error) {
	claims := jwt.MapClaims{
		"id":  userId,
		"exp": time.Now().Add(time.Minute * 15).Unix(),
	}

	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := newToken.SignedString([]byte(jwtSigningKey))

	if err != nil {
		return "", errors.New("failed to create auth token")
	}

	return signedToken, nil
}

// CreateRefreshToken creates a longer-lived refresh JWT for a user id.
// Returns a signed JWT refresh token or an error if there was a problem during the token creation.
func CreateRefreshToken(userId string) (string, error) {
	claims := jwt.MapClaims{
		"id":  userId,
		"exp": time.Now().Add(time.Hour * 24 * 14).Unix(),
	}

	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := newToken.SignedString([]byte(jwtSigningKey))

	if err != nil {
		return "", errors.New("failed to create refresh token")
	}

	return signedToken, nil
}

// CreateTokens creates both an auth token and a refresh token for a user id.
func CreateTokens(userId string) (*Tokens, error) {
	authToken, err := CreateAuthToken(userId)
	if err != nil {
		return nil, err
	}

	refreshToken, err := CreateRefreshToken(userId)
	if err != nil {
		return nil, err
	}

	return &Tokens{AuthToken: authToken, RefreshToken: refreshToken}, nil
}

// VerifyToken parses and validates a signed JWT and returns the user id claim.
func VerifyToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(jwtSigningKey), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}

	id, ok := claims["id"].(string)
	if !ok || id == "" {
		return "", errors.New("invalid token claims")
	}
	return id, nil
}

// SignUp registers a new user after validating the credentials, and returns a
// token pair for the new account. The timezone may be empty; it defaults at
// read time.
func SignUp(ctx context.Context, username, email, password, timezone string) (*Tokens, error) {
	if len(username) < 2 {
		return nil, errors.New("invalid username")
	}
	if !utils.ValidateEmail(email) {
		return nil, errors.New("invalid email format")
	}
	if !utils.ValidatePassword(password) {
		return nil, errors.New("password must be at least 8 characters and contain a letter and a number")
	}
	if timezone != "" && !utils.ValidateTimezone(timezone) {
		return nil, errors.New("invalid timezone")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.New("failed to hash password")
	}

	user, err := store.AddUser(ctx, &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Timezone:     timezone,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return nil, err
	}

	return CreateTokens(user.ID.Hex())
}

// SignIn verifies a username/password pair and returns a token pair.
// Returns ErrInvalidCredentials when either does not match.
func SignIn(ctx context.Context, username, password string) (*Tokens, error) {
	user, err := store.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return CreateTokens(user.ID.Hex())
}

// Refresh validates a refresh token and mints a fresh token pair.
func Refresh(refreshToken string) (*Tokens, error) {
	userID, err := VerifyToken(refreshToken)
	if err != nil {
		return nil, errors.New("invalid refresh token")
	}
	return CreateTokens(userID)
}
