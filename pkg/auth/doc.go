/*
Package auth holds caller identity and authorization for middlewared.

  - Credentials: who is calling and with which roles. Sessions carry them,
    jobs keep a snapshot.
  - RoleManager: builtin roles with inclusion (FAILOVER_WRITE includes
    FAILOVER_READ, READONLY_ADMIN includes every *_READ role). FULL_ADMIN
    passes every check, and a method that declares no roles is reserved
    for full admins.
  - TokenManager: random bearer tokens bound to a credentials snapshot,
    with expiry and cleanup.
  - UserStore: local accounts checked against bcrypt hashes.
*/
package auth
