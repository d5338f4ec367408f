/*
Package mirror serves package archives for the dist routes.

A request is answered from the blob store when the bytes are already
mirrored. On miss the archive is fetched from its recorded source with
the owning repository's credentials, answered from an in-memory buffer,
and persisted after the response has flushed: blob write, artifact row,
README and CHANGELOG extraction, download bookkeeping. A blob write
failure is a warning, never a client error.

Unknown packages on the unified route are streamed straight through
from the public registry without persisting, when mirroring is enabled.
*/
package mirror
