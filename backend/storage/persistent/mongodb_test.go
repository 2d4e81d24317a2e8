package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
)

// These tests exercise the MongoDB implementation against a live database.
// TestMain skips the whole package when MONGODB_URI is not configured.

var (
	testUsername = fmt.Sprintf("storagetestuser_%d", time.Now().UnixNano())
	testUserID   primitive.ObjectID

	mongoStore *MongoStorage
	store      StorageInterface
)

func TestMain(m *testing.M) {
	godotenv.Load("../../../.env")

	mongodbURI := os.Getenv("MONGODB_URI")
	dbName := os.Getenv("TEST_DB_NAME")
	if mongodbURI == "" || dbName == "" {
		log.Println("MONGODB_URI or TEST_DB_NAME not set, skipping storage tests")
		os.Exit(0)
	}

	mongoStore = NewMongoStorage()
	if err := mongoStore.Connect(dbName, mongodbURI); err != nil {
		panic("Error initializing storage: " + err.Error())
	}
	store = mongoStore

	testUser, err := store.AddUser(context.Background(), &models.User{
		Username:     testUsername,
		Email:        testUsername + "@example.com",
		PasswordHash: "Test1234",
		CreatedAt:    time.Now(),
	})
	if err != nil {
		log.Fatalf("Failed to add test user: %v", err)
	}
	testUserID = testUser.ID

	code := m.Run()

	cleanup()

	os.Exit(code)
}

// cleanup deletes the documents the tests created.
func cleanup() {
	ctx := context.Background()
	db := mongoStore.client.Database(mongoStore.dbName)

	habits, err := store.FindHabitsByUser(ctx, testUserID)
	if err == nil {
		for _, h := range habits {
			if _, err := store.DeleteHabit(ctx, h.ID); err != nil {
				log.Printf("Failed to delete test habit: %v", err)
			}
		}
	}
	if _, err := db.Collection("users").DeleteOne(ctx, bson.M{"_id": testUserID}); err != nil {
		log.Printf("Failed to delete test user: %v", err)
	}
	mongoStore.Disconnect()
}

func addTestHabit(t *testing.T, name string) *models.Habit {
	t.Helper()
	habit, err := store.AddHabit(context.Background(), &models.Habit{
		UserID:    testUserID,
		Name:      name,
		Frequency: models.FrequencyDaily,
		Status:    models.HabitActive,
		CreatedAt: time.Now(),
	})
	assert.NoError(t, err)
	t.Cleanup(func() {
		store.DeleteHabit(context.Background(), habit.ID)
	})
	return habit
}

func TestFindUser(t *testing.T) {
	ctx := context.Background()

	user, err := store.FindUserByUsername(ctx, testUsername)
	assert.NoError(t, err)
	assert.Equal(t, testUserID, user.ID)

	user, err = store.FindUserByID(ctx, testUserID)
	assert.NoError(t, err)
	assert.Equal(t, testUsername, user.Username)

	_, err = store.FindUserByID(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestAddHabitRejectsDuplicateName(t *testing.T) {
	habit := addTestHabit(t, "storage test duplicate")

	_, err := store.AddHabit(context.Background(), &models.Habit{
		UserID:    testUserID,
		Name:      habit.Name,
		Frequency: models.FrequencyDaily,
		Status:    models.HabitActive,
		CreatedAt: time.Now(),
	})
	assert.Error(t, err)
}

func TestCompletionUniquePerDay(t *testing.T) {
	ctx := context.Background()
	habit := addTestHabit(t, "storage test completions")
	day := time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)

	_, err := store.AddCompletion(ctx, &models.Completion{
		HabitID:       habit.ID,
		CompletedDate: day,
		CompletedAt:   time.Now(),
	})
	assert.NoError(t, err)

	// Same day again, even with a different timestamp, hits the unique index.
	_, err = store.AddCompletion(ctx, &models.Completion{
		HabitID:       habit.ID,
		CompletedDate: day.Add(5 * time.Hour),
		CompletedAt:   time.Now(),
	})
	assert.ErrorIs(t, err, ErrDuplicateCompletion)

	completions, err := store.ListCompletions(ctx, habit.ID)
	assert.NoError(t, err)
	assert.Len(t, completions, 1)

	err = store.DeleteCompletion(ctx, habit.ID, day)
	assert.NoError(t, err)

	err = store.DeleteCompletion(ctx, habit.ID, day)
	assert.ErrorIs(t, err, ErrCompletionNotFound)
}

func TestUpdateHabitStreakRoundTrip(t *testing.T) {
	ctx := context.Background()
	habit := addTestHabit(t, "storage test streak fields")

	last := time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	err := store.UpdateHabitStreak(ctx, habit.ID, models.StreakState{
		CurrentStreak:     5,
		LongestStreak:     9,
		LastCompletedDate: &last,
		StreakStartDate:   &start,
	})
	assert.NoError(t, err)

	got, err := store.FindHabitByID(ctx, habit.ID)
	assert.NoError(t, err)
	assert.Equal(t, 5, got.CurrentStreak)
	assert.Equal(t, 9, got.LongestStreak)
	assert.True(t, got.LastCompletedDate.Equal(last))
	assert.True(t, got.StreakStartDate.Equal(start))

	// Writing nil dates clears the stored fields.
	err = store.UpdateHabitStreak(ctx, habit.ID, models.StreakState{LongestStreak: 9})
	assert.NoError(t, err)

	got, err = store.FindHabitByID(ctx, habit.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStreak)
	assert.Nil(t, got.LastCompletedDate)
	assert.Nil(t, got.StreakStartDate)
}

func TestDeleteHabitRemovesCompletions(t *testing.T) {
	ctx := context.Background()
	habit := addTestHabit(t, "storage test delete cascade")

	day := time.Date(2024, time.March, 9, 0, 0, 0, 0, time.UTC)
	_, err := store.AddCompletion(ctx, &models.Completion{
		HabitID:       habit.ID,
		CompletedDate: day,
		CompletedAt:   time.Now(),
	})
	assert.NoError(t, err)

	result, err := store.DeleteHabit(ctx, habit.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedCount)

	completions, err := store.ListCompletions(ctx, habit.ID)
	assert.NoError(t, err)
	assert.Empty(t, completions)

	_, err = store.FindHabitByID(ctx, habit.ID)
	assert.ErrorIs(t, err, ErrHabitNotFound)
}
