// Package notify delivers freshly minted license keys by email.
//
// New picks a backend from configuration: SendGrid when an API key is
// set, SMTP when mailbox credentials are set, and otherwise a log-only
// dispatcher that records the delivery without sending anything. Callers
// use Configured to tell the log-only case apart and surface the key
// another way.
package notify
