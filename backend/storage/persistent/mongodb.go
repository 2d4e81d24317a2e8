package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/backend/streak"
)

// MongoStorage is a struct representing a MongoDB storage.
// It provides an interface to perform CRUD operations on the users, habits
// and habit_completions collections.
type MongoStorage struct {
	client *mongo.Client
	dbName string
}

// NewMongoStorage creates a new instance of MongoStorage.
// This function doesn't establish a connection to the MongoDB server.
// To connect to the server, use the Connect method of the returned MongoStorage instance.
func NewMongoStorage() *MongoStorage {
	return &MongoStorage{}
}

// Connect establishes a connection to the MongoDB server at the given URI and
// database name, and sets up indexes and unique constraints.
// Returns an error if any issues are encountered.
func (m *MongoStorage) Connect(dbName, uri string) error {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("error connecting to MongoDB: %v", err)
	}

	m.client = client
	m.dbName = dbName

	// Users: unique email and username.
	usersCollection := m.client.Database(m.dbName).Collection("users")

	emailIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"email": 1, // 1 for ascending order
		},
		Options: options.Index().SetUnique(true),
	}
	_, err = usersCollection.Indexes().CreateOne(ctx, emailIndexModel)
	if err != nil {
		return fmt.Errorf("error creating email index: %v", err)
	}

	usernameIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"username": 1,
		},
		Options: options.Index().SetUnique(true),
	}
	_, err = usersCollection.Indexes().CreateOne(ctx, usernameIndexModel)
	if err != nil {
		return fmt.Errorf("error creating username index: %v", err)
	}

	// Habits: user_id lookups, and one habit name per user.
	habitsCollection := m.client.Database(m.dbName).Collection("habits")

	userIdIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"user_id": 1,
		},
		Options: options.Index(),
	}
	_, err = habitsCollection.Indexes().CreateOne(ctx, userIdIndexModel)
	if err != nil {
		return fmt.Errorf("error creating user_id index: %v", err)
	}

	userIdNameIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "name", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err = habitsCollection.Indexes().CreateOne(ctx, userIdNameIndexModel)
	if err != nil {
		return fmt.Errorf("error creating user_id and name index: %v", err)
	}

	statusIndexModel := mongo.IndexModel{
		Keys: bson.M{
			"status": 1,
		},
		Options: options.Index(),
	}
	_, err = habitsCollection.Indexes().CreateOne(ctx, statusIndexModel)
	if err != nil {
		return fmt.Errorf("error creating status index: %v", err)
	}

	// Completions: the ledger's one-per-day invariant lives here. The unique
	// compound index makes concurrent double-submits of the same day collide
	// at the database rather than in application code.
	completionsCollection := m.client.Database(m.dbName).Collection("habit_completions")

	habitIdDateIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "habit_id", Value: 1},
			{Key: "completed_date", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err = completionsCollection.Indexes().CreateOne(ctx, habitIdDateIndexModel)
	if err != nil {
		return fmt.Errorf("error creating habit_id and completed_date index: %v", err)
	}

	return nil
}

// Disconnect closes the connection to the MongoDB server.
// It should be called when the MongoStorage instance is no longer needed.
// Returns an error if the disconnection process fails.
func (m *MongoStorage) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.client.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("error disconnecting from MongoDB: %v", err)
	}

	return nil
}

// AddUser adds a new user document to the 'users' collection.
// Returns the added user instance and an error if the insert operation fails.
func (m *MongoStorage) AddUser(ctx context.Context, user *models.User) (*models.User, error) {
	collection := m.client.Database(m.dbName).Collection("users")
	result, err := collection.InsertOne(ctx, user)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("a user with that username or email already exists")
		}
		return nil, err
	}

	user.ID = result.InsertedID.(primitive.ObjectID)
	return user, nil
}

// FindUserByID finds a user document by its id.
// Returns ErrUserNotFound if no user matches.
func (m *MongoStorage) FindUserByID(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	return m.findUser(ctx, bson.M{"_id": id})
}

// FindUserByUsername finds a user document by its username.
// Returns ErrUserNotFound if no user matches.
func (m *MongoStorage) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.findUser(ctx, bson.M{"username": username})
}

func (m *MongoStorage) findUser(ctx context.Context, filter bson.M) (*models.User, error) {
	collection := m.client.Database(m.dbName).Collection("users")
	result := collection.FindOne(ctx, filter)
	user := &models.User{}
	err := result.Decode(user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// AddHabit adds a new habit document to the 'habits' collection after
// validating its fields and checking that the owning user exists.
// Returns the added habit instance and an error if the insert operation fails.
func (m *MongoStorage) AddHabit(ctx context.Context, habit *models.Habit) (*models.Habit, error) {
	if len(habit.Name) < 1 || !habit.Frequency.Valid() || !habit.Status.Valid() || habit.UserID.IsZero() {
		return nil, errors.New("invalid habit fields")
	}

	usersCollection := m.client.Database(m.dbName).Collection("users")
	err := usersCollection.FindOne(ctx, bson.M{"_id": habit.UserID}).Err()
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	habitsCollection := m.client.Database(m.dbName).Collection("habits")
	result, err := habitsCollection.InsertOne(ctx, habit)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("a habit with the name '%s' already exists for the user", habit.Name)
		}
		return nil, err
	}
	habit.ID = result.InsertedID.(primitive.ObjectID)
	return habit, nil
}

// FindHabitByID finds a habit document by its id.
// Returns ErrHabitNotFound if no habit matches.
func (m *MongoStorage) FindHabitByID(ctx context.Context, id primitive.ObjectID) (*models.Habit, error) {
	collection := m.client.Database(m.dbName).Collection("habits")
	habit := &models.Habit{}
	err := collection.FindOne(ctx, bson.M{"_id": id}).Decode(habit)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrHabitNotFound
		}
		return nil, err
	}
	return habit, nil
}

// FindHabitsByUser finds all habit documents owned by the given user.
func (m *MongoStorage) FindHabitsByUser(ctx context.Context, userID primitive.ObjectID) ([]models.Habit, error) {
	return m.findHabits(ctx, bson.M{"user_id": userID})
}

// ListHabitsByStatus finds all habit documents in the given lifecycle status,
// across all users.
func (m *MongoStorage) ListHabitsByStatus(ctx context.Context, status models.HabitStatus) ([]models.Habit, error) {
	return m.findHabits(ctx, bson.M{"status": status})
}

func (m *MongoStorage) findHabits(ctx context.Context, filter bson.M) ([]models.Habit, error) {
	collection := m.client.Database(m.dbName).Collection("habits")
	cursor, err := collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var habits []models.Habit
	for cursor.Next(ctx) {
		var habit models.Habit
		err := cursor.Decode(&habit)
		if err != nil {
			return nil, err
		}
		habits = append(habits, habit)
	}

	return habits, cursor.Err()
}

// UpdateHabitStatus updates a habit's lifecycle status.
// Returns ErrHabitNotFound if no habit matches.
func (m *MongoStorage) UpdateHabitStatus(ctx context.Context, id primitive.ObjectID, status models.HabitStatus) error {
	if !status.Valid() {
		return errors.New("invalid habit status")
	}
	collection := m.client.Database(m.dbName).Collection("habits")
	result, err := collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrHabitNotFound
	}
	return nil
}

// UpdateHabitStreak overwrites a habit's cached streak fields in a single
// update. Nil dates are unset rather than written as zero values so the
// document shape matches a freshly created habit.
func (m *MongoStorage) UpdateHabitStreak(ctx context.Context, id primitive.ObjectID, state models.StreakState) error {
	set := bson.M{
		"current_streak": state.CurrentStreak,
		"longest_streak": state.LongestStreak,
	}
	unset := bson.M{}
	if state.LastCompletedDate != nil {
		set["last_completed_date"] = *state.LastCompletedDate
	} else {
		unset["last_completed_date"] = ""
	}
	if state.StreakStartDate != nil {
		set["streak_start_date"] = *state.StreakStartDate
	} else {
		unset["streak_start_date"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	collection := m.client.Database(m.dbName).Collection("habits")
	result, err := collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrHabitNotFound
	}
	return nil
}

// DeleteHabit deletes a habit document and all of its completion records.
// Returns the result of the delete operation as a DeleteResult instance and
// an error if the delete operation fails.
func (m *MongoStorage) DeleteHabit(ctx context.Context, id primitive.ObjectID) (*DeleteResult, error) {
	_, err := m.client.Database(m.dbName).Collection("habit_completions").DeleteMany(ctx, bson.M{"habit_id": id})
	if err != nil {
		return nil, err
	}

	collection := m.client.Database(m.dbName).Collection("habits")
	result, err := collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	return &DeleteResult{DeletedCount: result.DeletedCount}, nil
}

// AddCompletion records a completion for a (habit, day) pair. The completed
// date is normalized to its canonical calendar day before insert, so the
// unique index can do its job regardless of what clock the caller passed.
// Returns ErrDuplicateCompletion when that day is already recorded.
func (m *MongoStorage) AddCompletion(ctx context.Context, completion *models.Completion) (*models.Completion, error) {
	if completion.HabitID.IsZero() || completion.CompletedDate.IsZero() {
		return nil, errors.New("invalid completion fields")
	}
	completion.CompletedDate = streak.DayOf(completion.CompletedDate)
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = time.Now()
	}

	collection := m.client.Database(m.dbName).Collection("habit_completions")
	result, err := collection.InsertOne(ctx, completion)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, ErrDuplicateCompletion
		}
		return nil, err
	}
	completion.ID = result.InsertedID.(primitive.ObjectID)
	return completion, nil
}

// DeleteCompletion removes the completion for a (habit, day) pair.
// Returns ErrCompletionNotFound when there is none.
func (m *MongoStorage) DeleteCompletion(ctx context.Context, habitID primitive.ObjectID, day time.Time) error {
	collection := m.client.Database(m.dbName).Collection("habit_completions")
	result, err := collection.DeleteOne(ctx, bson.M{
		"habit_id":       habitID,
		"completed_date": streak.DayOf(day),
	})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return ErrCompletionNotFound
	}
	return nil
}

// ListCompletions returns a habit's full completion history, ordered by
// completed day ascending.
func (m *MongoStorage) ListCompletions(ctx context.Context, habitID primitive.ObjectID) ([]models.Completion, error) {
	collection := m.client.Database(m.dbName).Collection("habit_completions")
	opts := options.Find().SetSort(bson.D{{Key: "completed_date", Value: 1}})
	cursor, err := collection.Find(ctx, bson.M{"habit_id": habitID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var completions []models.Completion
	for cursor.Next(ctx) {
		var completion models.Completion
		err := cursor.Decode(&completion)
		if err != nil {
			return nil, err
		}
		completions = append(completions, completion)
	}

	return completions, cursor.Err()
}

// isDuplicateKey reports whether err is a MongoDB unique-index violation.
func isDuplicateKey(err error) bool {
	var writeException mongo.WriteException
	if errors.As(err, &writeException) {
		for _, writeError := range writeException.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	return false
}
