// Package config provides centralized configuration management for the key server.
// It loads configuration from multiple sources, validates it, and resolves the
// "auto" backend selections so the rest of the application sees concrete drivers.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. A YAML file named by KEYSERVER_CONFIG, or config.yaml / configs/config.yaml
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// Environment variables follow the pattern KEYSERVER_<SECTION>_<FIELD>:
//
//	KEYSERVER_SERVER_PORT=8080
//	KEYSERVER_STORE_DRIVER=postgres
//	KEYSERVER_REGISTRY_DRIVER=redis
//	KEYSERVER_NOTIFY_PROVIDER=sendgrid
//
// Fields carrying a deployment-era name also fall back to the bare variable
// when the namespaced one is unset:
//
//	PORT, DATABASE_URL, MONGO_URI, REDIS_URL,
//	SENDGRID_API_KEY, SENDGRID_FROM, EMAIL_USER, EMAIL_PASS, GEMINI_API_KEY
//
// # Backend Selection
//
// Store.Driver and Notify.Provider default to "auto":
//
//	store:   mongo if MONGO_URI is set, else postgres if DATABASE_URL is set, else memory
//	notify:  sendgrid if SENDGRID_API_KEY is set, else smtp if EMAIL_USER and
//	         EMAIL_PASS are set, else log
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := fmt.Sprintf(":%d", cfg.Server.Port)
package config
