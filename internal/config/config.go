package config

import "os"

// Config carries every environment-derived setting. Load never fails;
// main decides which missing values are fatal and which only degrade a
// feature (e.g. no Stripe key keeps the API up but checkout answers 503).
type Config struct {
	Port        string
	DatabaseURL string

	ClerkSecretKey string

	StripeSecretKey     string
	StripeWebhookSecret string

	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string

	LogLevel  string
	LogFormat string
}

func Load() Config {
	return Config{
		Port:                getenv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		ClerkSecretKey:      os.Getenv("CLERK_SECRET_KEY"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  getenv("CHECKOUT_SUCCESS_URL", "https://marginalia.app/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:   getenv("CHECKOUT_CANCEL_URL", "https://marginalia.app/billing/cancel"),
		PortalReturnURL:     getenv("PORTAL_RETURN_URL", "https://marginalia.app/settings"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		LogFormat:           os.Getenv("LOG_FORMAT"),
	}
}

func getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
