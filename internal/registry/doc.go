// Package registry holds the User ID Registry: the allow-list of ids that
// may claim a license and the set of ids that already have.
//
// Two backends exist. FileRegistry keeps both sets as JSON arrays on disk
// and suits a single server. RedisRegistry keeps them as Redis sets, seeded
// from the same allow-list file, and takes a per-id lock in Redis so that
// several servers can issue concurrently.
//
// Both report rejections with license.ErrInvalidID and license.ErrAlreadyUsed.
// MarkUsed returns only once the used set is durable.
package registry
