package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/backend/streak"
)

// MemoryStorage is an in-memory StorageInterface used by unit tests and local
// development. It enforces the same uniqueness invariants the MongoDB indexes
// do, so code exercised against it sees the same error surface.
type MemoryStorage struct {
	mu          sync.Mutex
	users       map[primitive.ObjectID]models.User
	habits      map[primitive.ObjectID]models.Habit
	completions map[primitive.ObjectID][]models.Completion
}

// NewMemoryStorage creates an empty, ready-to-use MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:       make(map[primitive.ObjectID]models.User),
		habits:      make(map[primitive.ObjectID]models.Habit),
		completions: make(map[primitive.ObjectID][]models.Completion),
	}
}

// Connect is a no-op; MemoryStorage needs no server.
func (m *MemoryStorage) Connect(dbName, uri string) error { return nil }

// Disconnect is a no-op.
func (m *MemoryStorage) Disconnect() error { return nil }

// AddUser adds a user, enforcing unique usernames and emails.
func (m *MemoryStorage) AddUser(ctx context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return nil, errors.New("a user with that username or email already exists")
		}
	}
	user.ID = primitive.NewObjectID()
	m.users[user.ID] = *user
	return user, nil
}

func (m *MemoryStorage) FindUserByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryStorage) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

// AddHabit adds a habit, enforcing one habit name per user.
func (m *MemoryStorage) AddHabit(ctx context.Context, habit *models.Habit) (*models.Habit, error) {
	if len(habit.Name) < 1 || !habit.Frequency.Valid() || !habit.Status.Valid() || habit.UserID.IsZero() {
		return nil, errors.New("invalid habit fields")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[habit.UserID]; !ok {
		return nil, ErrUserNotFound
	}
	for _, h := range m.habits {
		if h.UserID == habit.UserID && h.Name == habit.Name {
			return nil, fmt.Errorf("a habit with the name '%s' already exists for the user", habit.Name)
		}
	}
	habit.ID = primitive.NewObjectID()
	m.habits[habit.ID] = *habit
	return habit, nil
}

func (m *MemoryStorage) FindHabitByID(ctx context.Context, id primitive.ObjectID) (*models.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.habits[id]
	if !ok {
		return nil, ErrHabitNotFound
	}
	return &h, nil
}

func (m *MemoryStorage) FindHabitsByUser(ctx context.Context, userID primitive.ObjectID) ([]models.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var habits []models.Habit
	for _, h := range m.habits {
		if h.UserID == userID {
			habits = append(habits, h)
		}
	}
	sortHabits(habits)
	return habits, nil
}

func (m *MemoryStorage) ListHabitsByStatus(ctx context.Context, status models.HabitStatus) ([]models.Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var habits []models.Habit
	for _, h := range m.habits {
		if h.Status == status {
			habits = append(habits, h)
		}
	}
	sortHabits(habits)
	return habits, nil
}

func (m *MemoryStorage) UpdateHabitStatus(ctx context.Context, id primitive.ObjectID, status models.HabitStatus) error {
	if !status.Valid() {
		return errors.New("invalid habit status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.habits[id]
	if !ok {
		return ErrHabitNotFound
	}
	h.Status = status
	m.habits[id] = h
	return nil
}

func (m *MemoryStorage) UpdateHabitStreak(ctx context.Context, id primitive.ObjectID, state models.StreakState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.habits[id]
	if !ok {
		return ErrHabitNotFound
	}
	h.CurrentStreak = state.CurrentStreak
	h.LongestStreak = state.LongestStreak
	h.LastCompletedDate = state.LastCompletedDate
	h.StreakStartDate = state.StreakStartDate
	m.habits[id] = h
	return nil
}

func (m *MemoryStorage) DeleteHabit(ctx context.Context, id primitive.ObjectID) (*DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.completions, id)
	if _, ok := m.habits[id]; !ok {
		return &DeleteResult{DeletedCount: 0}, nil
	}
	delete(m.habits, id)
	return &DeleteResult{DeletedCount: 1}, nil
}

func (m *MemoryStorage) AddCompletion(ctx context.Context, completion *models.Completion) (*models.Completion, error) {
	if completion.HabitID.IsZero() || completion.CompletedDate.IsZero() {
		return nil, errors.New("invalid completion fields")
	}
	completion.CompletedDate = streak.DayOf(completion.CompletedDate)
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.completions[completion.HabitID] {
		if c.CompletedDate.Equal(completion.CompletedDate) {
			return nil, ErrDuplicateCompletion
		}
	}
	completion.ID = primitive.NewObjectID()
	m.completions[completion.HabitID] = append(m.completions[completion.HabitID], *completion)
	return completion, nil
}

func (m *MemoryStorage) DeleteCompletion(ctx context.Context, habitID primitive.ObjectID, day time.Time) error {
	target := streak.DayOf(day)

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.completions[habitID]
	for i, c := range list {
		if c.CompletedDate.Equal(target) {
			m.completions[habitID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrCompletionNotFound
}

func (m *MemoryStorage) ListCompletions(ctx context.Context, habitID primitive.ObjectID) ([]models.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.completions[habitID]
	out := make([]models.Completion, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedDate.Before(out[j].CompletedDate)
	})
	return out, nil
}

func sortHabits(habits []models.Habit) {
	sort.Slice(habits, func(i, j int) bool {
		return habits[i].ID.Hex() < habits[j].ID.Hex()
	})
}
