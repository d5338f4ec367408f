/*
Package reposync discovers package versions from configured upstream
repositories.

Sync marks the repository syncing, dispatches on its source kind,
persists the discovered versions and transitions the repository to
active or error. Composer upstreams are read through packages.json,
either enumerated directly or through provider-includes files. Git
upstreams are read through the GitHub API: a repository-hosted
packages.json when present, otherwise the recursive tree plus tags.

Per-package failures are logged and counted but never fail the whole
run.
*/
package reposync
