package config

import "time"

// Application constants
const (
	// Application Info
	AppName     = "keyserver"
	AppVersion  = "1.0.0"
	ProductName = "V-Nashak"

	// EnvPrefix namespaces every environment variable, e.g. KEYSERVER_SERVER_PORT.
	EnvPrefix = "KEYSERVER"

	// Selection values shared by the store, registry and notify sections
	DriverAuto = "auto"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	RegistryFile  = "file"
	RegistryRedis = "redis"

	NotifySendGrid = "sendgrid"
	NotifySMTP     = "smtp"
	NotifyLog      = "log"

	// License keys are three groups of four upper-case alphanumerics.
	LicenseKeyPattern   = "^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$"
	LicenseKeyAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	LicenseKeyGroups    = 3
	LicenseKeyGroupSize = 4

	// Web activations without a machine id get one with this prefix.
	WebMachinePrefix = "WEB-"

	DefaultKeyAttempts      = 20
	DefaultOperationTimeout = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second

	// Log Settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)
