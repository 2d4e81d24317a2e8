package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
)

func setup() *storage.MemoryStorage {
	store := storage.NewMemoryStorage()
	InitAuth(store, "test-signing-key")
	return store
}

func TestSignUpAndSignIn(t *testing.T) {
	setup()
	ctx := context.Background()

	tokens, err := SignUp(ctx, "haruka", "haruka@example.com", "Passw0rd", "Asia/Tokyo")
	assert.NoError(t, err)
	assert.NotEmpty(t, tokens.AuthToken)
	assert.NotEmpty(t, tokens.RefreshToken)

	tokens, err = SignIn(ctx, "haruka", "Passw0rd")
	assert.NoError(t, err)

	userID, err := VerifyToken(tokens.AuthToken)
	assert.NoError(t, err)
	assert.NotEmpty(t, userID)
}

func TestSignUpValidation(t *testing.T) {
	setup()
	ctx := context.Background()

	_, err := SignUp(ctx, "h", "haruka@example.com", "Passw0rd", "")
	assert.Error(t, err, "Should reject a one-character username")

	_, err = SignUp(ctx, "haruka", "not-an-email", "Passw0rd", "")
	assert.Error(t, err, "Should reject a malformed email")

	_, err = SignUp(ctx, "haruka", "haruka@example.com", "short", "")
	assert.Error(t, err, "Should reject a weak password")

	_, err = SignUp(ctx, "haruka", "haruka@example.com", "Passw0rd", "Neverland/Nowhere")
	assert.Error(t, err, "Should reject an unknown timezone")
}

func TestSignUpDuplicateUsername(t *testing.T) {
	setup()
	ctx := context.Background()

	_, err := SignUp(ctx, "haruka", "haruka@example.com", "Passw0rd", "")
	assert.NoError(t, err)

	_, err = SignUp(ctx, "haruka", "other@example.com", "Passw0rd", "")
	assert.Error(t, err)
}

func TestSignInWrongPassword(t *testing.T) {
	setup()
	ctx := context.Background()

	_, err := SignUp(ctx, "haruka", "haruka@example.com", "Passw0rd", "")
	assert.NoError(t, err)

	_, err = SignIn(ctx, "haruka", "WrongPass1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = SignIn(ctx, "nobody", "Passw0rd")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh(t *testing.T) {
	setup()
	ctx := context.Background()

	tokens, err := SignUp(ctx, "haruka", "haruka@example.com", "Passw0rd", "")
	assert.NoError(t, err)

	fresh, err := Refresh(tokens.RefreshToken)
	assert.NoError(t, err)
	assert.NotEmpty(t, fresh.AuthToken)

	_, err = Refresh("not-a-token")
	assert.Error(t, err)
}

func TestVerifyTokenRejectsTampering(t *testing.T) {
	setup()

	token, err := CreateAuthToken("abc123")
	assert.NoError(t, err)

	_, err = VerifyToken(token + "x")
	assert.Error(t, err)

	InitAuth(storage.NewMemoryStorage(), "different-key")
	_, err = VerifyToken(token)
	assert.Error(t, err)
}
