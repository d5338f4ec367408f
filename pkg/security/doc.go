/*
Package security provides AES-256-GCM encryption for upstream repository
credentials.

Credentials are sealed into a self-contained envelope:

	base64( salt(16) ‖ iv(12) ‖ ciphertext+tag )

The encryption key is derived per message from the configured master key
with PBKDF2-SHA256 (100000 iterations). Random salt and IV guarantee
that identical plaintexts never produce identical ciphertexts, and
decryption with a different master key fails deterministically at the
GCM tag check.
*/
package security
