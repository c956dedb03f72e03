// Command logindemo wires the login client together against a live auth
// service and reports session status. Configuration comes from the
// environment (optionally a .env file): AUTH_API_URL, SSO_URL, REALM,
// LOGIN_PAYLOAD.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/fabric8-services/go-login-client/auth"
	"github.com/fabric8-services/go-login-client/broadcaster"
	"github.com/fabric8-services/go-login-client/interceptor"
	"github.com/fabric8-services/go-login-client/session"
	"github.com/fabric8-services/go-login-client/users"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %s\n", err)
	}
}

func run() error {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	displayAppname("Login Client")
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	apiURL := getEnv("AUTH_API_URL", "https://auth.openshift.io/api/")
	ssoURL := getEnv("SSO_URL", "https://sso.openshift.io/")
	realm := getEnv("REALM", "fabric8")

	store := session.NewInMemoryStore()
	bc := broadcaster.New()
	httpClient := interceptor.New(store, bc, []string{apiURL, ssoURL},
		interceptor.WithInterceptorLogger(logger),
	).Client()

	service, err := auth.NewService(
		auth.Config{
			AuthAPIURL: apiURL,
			Brokers: []auth.Broker{
				auth.SSOBroker(ssoURL, realm, "openshift-v3"),
				auth.ProxiedBroker(apiURL, "github", "https://github.com"),
			},
		},
		store,
		bc,
		auth.WithHTTPClient(httpClient),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer service.Close()

	userService, err := users.NewService(store, bc, apiURL,
		users.WithHTTPClient(httpClient),
		users.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer userService.Close()

	watchEvents(bc, logger)

	if payload := os.Getenv("LOGIN_PAYLOAD"); payload != "" {
		if _, err := service.Login(context.Background(), []byte(payload)); err != nil {
			return err
		}
	}

	if !service.IsLoggedIn() {
		fmt.Println("not logged in")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	user, err := userService.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		fmt.Println("not logged in")
		return nil
	}
	fmt.Printf("logged in as %s\n", user.Username())

	for _, broker := range []string{"openshift-v3", "github"} {
		federated, err := service.FederatedToken(ctx, broker)
		if err != nil {
			logger.Err(err).Str("broker", broker).Msg("federated token lookup failed")
			continue
		}
		fmt.Printf("%s linked: %v\n", broker, federated != nil)
	}
	return nil
}

func watchEvents(bc *broadcaster.Broadcaster, logger zerolog.Logger) {
	for _, key := range []string{
		broadcaster.AuthenticationError,
		broadcaster.CommunicationError,
		broadcaster.NoFederatedToken,
	} {
		events, _ := bc.On(key)
		go func(key string, events <-chan broadcaster.Event) {
			for range events {
				logger.Warn().Str("event", key).Msg("broadcast received")
			}
		}(key, events)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
