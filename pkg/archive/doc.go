/*
Package archive builds and unpacks bundle artifacts.

An artifact is a store-only ZIP64 archive named {uuid}.zip. Compression
is deliberately off: the payload is already-compressed experiment data,
and tape drives stream stored entries faster than they inflate deflated
ones. The first entry is always {uuid}.metadata.json, the manifest
listing every constituent file's catalog record; a copy of the sidecar
also lands next to the artifact for operators. Everything else is a
constituent file under its basename.

Builder handles the forward direction (bundler stage): partial-artifact
cleanup, manifest sidecar, deterministic entry timestamps so rebuilding
an identical manifest reproduces identical bytes, and the workbox to
outbox move. Unpacker handles the reverse (unpacker stage): extract,
path-map the manifest logical names onto local mounts, size-check,
place, and re-checksum each file.

Verify re-checksums a finished artifact against the coordinator's
recorded checksum; the site move verifier runs it on every received
bundle before handing the bundle to tape.
*/
package archive
