// Package mover copies staged bundle artifacts between sites.
//
// Two transfer services are supported. GridFTP shells out to
// globus-url-copy, the workhorse for gsiftp:// endpoints: Put pushes an
// artifact to the destination directory with -cd so missing path
// components are created on the fly, and Get pulls a remote copy back
// for verification, optionally presenting a separate source credential
// for sites that authorize reads through a robot certificate. WebDAV
// performs a plain HTTP PUT against a dCache WebDAV door for
// destinations that do not expose GridFTP.
//
// Both movers return the full destination URL from Put. The replicator
// stores that URL as the bundle's transfer reference, which makes the
// remote location recoverable from the bundle document alone when a
// transfer later needs to be audited or retried by hand.
//
// globus-url-copy reports some remote failures only through its exit
// status and stderr. Failed commands surface as *TransferError carrying
// the complete command line and transcript; callers decide whether to
// retry or quarantine. Transfers are bounded by a per-attempt timeout
// (DefaultTimeout, 20 minutes) enforced through the command context.
package mover
