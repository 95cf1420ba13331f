/*
Package catalog is the client for the warehouse file catalog, the
external system of record for what files exist and where copies of
them live.

The archival pipeline touches the catalog at four points:

  - picker: FindFiles to enumerate what a transfer request covers
  - locator: FindArchived to find tape copies for retrieval
  - verifiers: RegisterFile for the bundle artifact itself, then
    AddLocation on every constituent file to record its tape copy
  - unpacker: AddLocation on every extracted file to record the fresh
    warehouse copy

# Queries

Membership queries page through /api/files with a JSON query document
(MongoDB operator syntax: $eq, $regex) and a keys projection, returning
FileInfo stubs rather than full records. Page size defaults to 1000
and is tunable via FILE_CATALOG_PAGE_SIZE because warehouse
directories run to a hundred thousand files.

# Idempotence

Stage actions re-run after partial failures, so every write here must
tolerate a replay: RegisterFile falls back to replacing an existing
record on conflict, and AddLocation relies on catalog-side location
deduplication.

Errors decode into *Error carrying the HTTP status; IsConflict and
IsNotFound classify the cases callers branch on.
*/
package catalog
