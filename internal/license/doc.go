// Package license implements the license lifecycle: issuing keys against
// one-time User IDs and binding each key to exactly one machine.
//
// # Lifecycle
//
// A license has two states and one forward transition:
//
//	ASSIGNED  --activate(email, key, machine)-->  ACTIVATED
//	ACTIVATED --activate(same machine)-------->  ACTIVATED (idempotent)
//
// There is no way back to ASSIGNED and no deactivation.
//
// # Issuance
//
// Service.Issue runs these steps while holding the registry's lock for the
// User ID:
//
//	1. CheckAvailable on the User ID Registry (InvalidId / AlreadyUsed)
//	2. Generate a key, retrying on collision up to LicenseConfig.KeyAttempts
//	3. Create the ASSIGNED record in the Store
//	4. MarkUsed on the registry
//	5. Deliver the key through the Dispatcher
//
// The User ID is consumed at step 4, before delivery. A delivery failure is
// reported as KindDelivery together with the minted license.
//
// # Activation
//
// Service.Activate checks, in order: key format and existence (InvalidKey),
// owner email (EmailMismatch), then current state. An ASSIGNED record is
// moved to ACTIVATED with Store.Update, a conditional write that succeeds
// only while the record is still ASSIGNED. A request that loses that race
// re-reads the record and resolves to AlreadyActivated or MachineConflict.
//
// # Errors
//
// Every failure is an *Error whose Kind distinguishes the outcome. The
// package sentinels (ErrInvalidKey, ErrMachineConflict, ...) match with
// errors.Is.
package license
