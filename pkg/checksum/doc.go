// Package checksum computes the digests recorded on bundle artifacts.
//
// SHA-512 is the integrity digest: HPSS computes it tape-side on put,
// the verifiers compare it end to end, and the file catalog stores it
// on every record. ADLER-32 rides along because some transfer tooling
// still expects it. Sums streams a file once through both hashes;
// SHA512 is the single-digest variant for verification paths that do
// not need the pair.
//
// Digests are returned hex-encoded, lowercase, matching what hsi
// hashlist prints and what the catalog stores.
package checksum
