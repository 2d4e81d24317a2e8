package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tsuzuku-app/tsuzuku/backend/queue"
	"github.com/tsuzuku-app/tsuzuku/backend/reconcile"
	"github.com/tsuzuku-app/tsuzuku/backend/server"
	"github.com/tsuzuku-app/tsuzuku/backend/server/auth"
	cache "github.com/tsuzuku-app/tsuzuku/backend/storage/cache"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/backend/tracker"
)

// RunBackend is the main function that sets up and runs the backend server.
func RunBackend() {

	// Load the .env file.
	err := godotenv.Load("backend/.env")
	if err != nil {
		fmt.Println("Error loading .env file")
	}

	// Read the environment variables from the .env file using os.Getenv.
	signingKey := os.Getenv("JWT_SIGNING_KEY") // JWT signing key for token generation
	serverURL := os.Getenv("SERVER_URL")       // The URL where the server is running
	dbURI := os.Getenv("MONGODB_URI")          // MongoDB database URI
	dbName := os.Getenv("DB_NAME")             // The name of the MongoDB database
	redisURL := os.Getenv("REDIS_URL")         // The Redis URL for caching streak overviews
	rabbitMQURL := os.Getenv("RABBITMQ_URL")   // The URL for the RabbitMQ message broker
	cronSecret := os.Getenv("CRON_SECRET")     // Shared secret guarding the reconciliation endpoint
	cronTimezone := os.Getenv("CRON_TIMEZONE") // Timezone the reconciliation endpoint runs in
	numReminderProducers := 1                  // The number of reminder producers
	numReminderConsumers := 2                  // The number of reminder consumers
	ctx := context.Background()

	// Storage is the one dependency the server cannot run without.
	store, err := storage.NewStorage(dbName, dbURI)
	if err != nil {
		log.Fatal("error connecting to storage: ", err)
	}

	// The cache is optional: without Redis every streak read hits storage.
	var streakCache cache.CacheInterface
	if redisURL != "" {
		streakCache, err = cache.NewCache(redisURL)
		if err != nil {
			log.Printf("cache unavailable, continuing without it: %v", err)
			streakCache = nil
		}
	}

	// The reminder queue is optional too: without RabbitMQ the reconciliation
	// job simply skips publishing at-risk reminders.
	var reminderQueue *queue.Queue
	if rabbitMQURL != "" {
		reminderQueue = queue.BuildReminderQueue(rabbitMQURL, numReminderProducers, numReminderConsumers, streakCache, queue.LogNotifier{})
		_, _, err = reminderQueue.StartConsumers(ctx)
		if err != nil {
			log.Fatal("error starting queue consumers: ", err)
		}
	}

	if cronTimezone == "" {
		cronTimezone = tracker.DefaultTimezone
	}
	loc, err := time.LoadLocation(cronTimezone)
	if err != nil {
		log.Fatal("invalid CRON_TIMEZONE: ", err)
	}

	// Initialize the authentication service
	auth.InitAuth(store, signingKey)

	// Start the core server
	go server.Start(server.Config{
		ServerURL:  serverURL,
		SigningKey: signingKey,
		CronSecret: cronSecret,
		Store:      store,
		Tracker:    tracker.New(store, streakCache),
		Job:        reconcile.NewJob(store, streakCache, reminderQueue, loc),
	})

	// Setting up the signal interrupt handler to gracefully shutdown our server
	sigs := make(chan os.Signal, 1)

	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		fmt.Println()
		fmt.Println(sig)
		if err := store.Disconnect(); err != nil {
			log.Printf("error disconnecting storage: %v", err)
		}
		os.Exit(0)
	}()

	select {}
}
