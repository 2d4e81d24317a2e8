package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
)

// Typed failures the rest of the system dispatches on. Anything else coming
// out of the storage layer is treated as a transient storage error.
var (
	// ErrDuplicateCompletion is returned when an insert would violate the
	// one-completion-per-day invariant for a habit.
	ErrDuplicateCompletion = errors.New("completion already recorded for that day")
	// ErrCompletionNotFound is returned when deleting a completion that does
	// not exist.
	ErrCompletionNotFound = errors.New("completion not found")
	ErrHabitNotFound      = errors.New("habit not found")
	ErrUserNotFound       = errors.New("user not found")
)

// DeleteResult reports the count of documents removed by a delete operation.
type DeleteResult struct {
	DeletedCount int64
}

// StorageInterface defines the set of methods that any persistent storage
// backend needs to implement. The completion methods form the system's
// append/delete ledger: completions are the ground truth all streak state is
// derived from, so they are only ever inserted and deleted, never updated.
type StorageInterface interface {
	// Establishes a connection to the storage backend.
	Connect(dbName, uri string) error
	// Disconnects from the storage backend.
	Disconnect() error

	// Adds a new user to the storage backend.
	AddUser(ctx context.Context, user *models.User) (*models.User, error)
	// Finds a user by id; returns ErrUserNotFound when absent.
	FindUserByID(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	// Finds a user by username; returns ErrUserNotFound when absent.
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)

	// Adds a new habit to the storage backend.
	AddHabit(ctx context.Context, habit *models.Habit) (*models.Habit, error)
	// Finds a habit by id; returns ErrHabitNotFound when absent.
	FindHabitByID(ctx context.Context, id primitive.ObjectID) (*models.Habit, error)
	// Finds all habits owned by a user.
	FindHabitsByUser(ctx context.Context, userID primitive.ObjectID) ([]models.Habit, error)
	// Finds all habits in a given lifecycle status, across all users. The
	// reconciliation job iterates this.
	ListHabitsByStatus(ctx context.Context, status models.HabitStatus) ([]models.Habit, error)
	// Updates a habit's lifecycle status.
	UpdateHabitStatus(ctx context.Context, id primitive.ObjectID, status models.HabitStatus) error
	// Overwrites a habit's cached streak fields in one update.
	UpdateHabitStreak(ctx context.Context, id primitive.ObjectID, state models.StreakState) error
	// Deletes a habit and its completions.
	DeleteHabit(ctx context.Context, id primitive.ObjectID) (*DeleteResult, error)

	// Records a completion for a (habit, day) pair; returns
	// ErrDuplicateCompletion when that day is already recorded.
	AddCompletion(ctx context.Context, completion *models.Completion) (*models.Completion, error)
	// Removes the completion for a (habit, day) pair; returns
	// ErrCompletionNotFound when there is none.
	DeleteCompletion(ctx context.Context, habitID primitive.ObjectID, day time.Time) error
	// Returns a habit's full completion history, ordered by day ascending.
	ListCompletions(ctx context.Context, habitID primitive.ObjectID) ([]models.Completion, error)
}

// NewStorage creates a new StorageInterface with a MongoDB backend,
// using the provided URI to connect to the MongoDB server.
func NewStorage(dbName, uri string) (StorageInterface, error) {
	storage := NewMongoStorage()
	err := storage.Connect(dbName, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return storage, nil
}
