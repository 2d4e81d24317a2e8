package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/form3tech-oss/jwt-go"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/tsuzuku-app/tsuzuku/backend/reconcile"
	"github.com/tsuzuku-app/tsuzuku/backend/server/contextkey"
	storage "github.com/tsuzuku-app/tsuzuku/backend/storage/persistent"
	"github.com/tsuzuku-app/tsuzuku/backend/tracker"
)

// Config carries everything the HTTP server needs: the listen URL, the JWT
// signing key, the scheduler's shared secret, and the injected service
// handles the handlers delegate to.
type Config struct {
	ServerURL  string
	SigningKey string
	CronSecret string

	Store   storage.StorageInterface
	Tracker *tracker.Tracker
	Job     *reconcile.Job
}

// jwtMiddleware is a middleware function that performs JWT validation.
//
// It reads the JWT from the Authorization header of the HTTP request. If a
// valid token is present, it injects the user's id extracted from the claims
// into the request's context under contextkey.UserIDKey. Parsing errors are
// injected under contextkey.JwtErrorKey instead.
//
// The middleware never stops the request itself: it always calls the next
// handler, and it is up to the handlers to decide whether an unauthenticated
// request is acceptable for their route.
func jwtMiddleware(signingKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			splitToken := strings.Split(authHeader, "Bearer ")
			if len(splitToken) == 2 {
				token, err := jwt.Parse(splitToken[1], func(token *jwt.Token) (interface{}, error) {
					if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
					}
					return []byte(signingKey), nil
				})
				if err != nil {
					ctx := context.WithValue(r.Context(), contextkey.JwtErrorKey, err)
					r = r.WithContext(ctx)
				} else if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
					if id, ok := claims["id"].(string); ok {
						ctx := context.WithValue(r.Context(), contextkey.UserIDKey, id)
						r = r.WithContext(ctx)
					}
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware is a middleware function that recovers from panics and provides a generic error message to the client.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("Panic recovered: %s\n", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cronSecretMiddleware guards the scheduler entry point: the X-Cron-Secret
// header must match the configured shared secret (compared in constant time)
// before any data is touched.
func cronSecretMiddleware(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Cron-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid scheduler secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router assembles the API routes with the JWT and recovery middleware
// applied. It is exported so tests can drive the exact production handler
// chain through httptest.
func Router(cfg Config) http.Handler {
	api := &apiHandlers{cfg: cfg}

	r := mux.NewRouter()

	r.HandleFunc("/api/auth/signup", api.signUp).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/signin", api.signIn).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/refresh", api.refresh).Methods(http.MethodPost)

	r.HandleFunc("/api/habits", api.createHabit).Methods(http.MethodPost)
	r.HandleFunc("/api/habits", api.listHabits).Methods(http.MethodGet)
	r.HandleFunc("/api/habits/{id}", api.updateHabitStatus).Methods(http.MethodPatch)
	r.HandleFunc("/api/habits/{id}", api.deleteHabit).Methods(http.MethodDelete)

	r.HandleFunc("/api/habits/{id}/completions", api.complete).Methods(http.MethodPost)
	r.HandleFunc("/api/habits/{id}/completions/{day}", api.uncomplete).Methods(http.MethodDelete)
	r.HandleFunc("/api/habits/{id}/streak", api.streakOverview).Methods(http.MethodGet)

	r.Handle("/api/cron/reconcile",
		cronSecretMiddleware(cfg.CronSecret, http.HandlerFunc(api.reconcile))).Methods(http.MethodPost)

	return recoveryMiddleware(jwtMiddleware(cfg.SigningKey, r))
}

// Start initializes and starts the HTTP server at the configured URL.
func Start(cfg Config) {
	router := Router(cfg)

	// Apply the CORS middleware to the router
	corsOrigins := handlers.AllowedOrigins([]string{"*"})
	corsMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	corsHeaders := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization", "X-Cron-Secret"})

	corsRouter := handlers.CORS(corsOrigins, corsMethods, corsHeaders)(router)

	// Apply the logging middleware
	loggingRouter := handlers.LoggingHandler(os.Stdout, corsRouter)

	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		panic(err)
	}

	server := &http.Server{
		Handler:      loggingRouter,
		Addr:         u.Host,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	log.Fatal(server.ListenAndServe())
}
