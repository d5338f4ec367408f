/*
Package metadata resolves per-package Composer metadata documents and
assembles the top-level packages.json index.

# Three-Tier Lookup

PackageMetadata walks three tiers in order:

 1. KV cache (p2:<name>): a parseable document of the expected shape is
    served as-is; corrupt entries are deleted in the background
 2. Database: cached rows are re-sanitized and rewritten for the
    current proxy origin
 3. Upstream: every active composer repository is tried with its
    credentials, first success wins; the public registry is the
    fallback when mirroring is enabled

The tiers are deliberately non-transactional: stale-serve is intended
and the lazy cache rebuilds itself on miss.

# URL Rewriting

Every dist.url in a served document points back at this proxy's unified
/dist/m/{name}/{version}.zip route; upstream addresses never leak to
clients. When upstream omits a dist reference, a stable opaque one is
synthesized from the package coordinates.

# Persistence

Fresh upstream fetches return a Persist closure that upserts one row
per version, storing the untransformed upstream blob. The server runs
it after the response has flushed so clients never wait on the
database.
*/
package metadata
