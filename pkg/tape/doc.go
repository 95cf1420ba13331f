/*
Package tape wraps the hsi command suite used to move bundle artifacts
on and off HPSS tape at NERSC.

The commands carry some non-obvious flags that matter operationally:
put/get run with "-c on" so HPSS computes (put) or verifies (get)
checksums on its side of the transfer, and the hash commands run in
popen mode ("-P") so listable output arrives on stdout. hsi's source
and destination are separated by a bare ":" argument.

Available wraps the hpss_avail preflight: stages check it before
claiming work, because claiming a bundle during scheduled tape
maintenance would only push work into quarantine.

Commands execute through the Runner interface so tests can replay
canned transcripts without a tape system.
*/
package tape
