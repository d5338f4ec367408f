/*
Package blob defines the blob storage port holding mirrored artifact
bytes and derived side artifacts, the storage-key codec, a filesystem
adapter, and an in-memory adapter for tests.

# Storage Keys

Every object is addressed by a structured key:

	private/{repo}/{vendor}/{package}/{version}.zip
	public/{repo}/{vendor}/{package}/{version}.zip.readme.md

Key.String and ParseKey round-trip for every valid key, which the
artifact server relies on when resolving the unified /dist/m route.

# Negative Caching

Side artifacts that were derived and found absent are stored with the
literal body NOT_FOUND so the ZIP is not re-parsed on every request.
*/
package blob
