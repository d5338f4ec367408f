/*
Package auth resolves request credentials to principals and enforces
per-token rate limits.

Two credential forms are recognized on the Authorization header:

  - "Bearer <token>": a UI session held only in the KV cache
  - "Basic base64(token:<secret>)": a package token; the username is the
    literal "token" and the password is the secret

Token secrets are stored as hex SHA-256 hashes. Hash lookups pass
through a 5-second KV burst cache that absorbs the authentication storm
a parallel dependency install produces, at the cost of revocations
taking up to 5 seconds to bite.

Rate limiting keeps an approximate counter per token and hour window in
the KV cache. It fails open: a missing or broken cache never rejects a
request.
*/
package auth
