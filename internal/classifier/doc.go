// Package classifier asks a generative model whether uploaded file content
// looks malicious. Without an API key every request gets a benign verdict.
package classifier
