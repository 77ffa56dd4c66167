/*
Package main implements fdns, a forwarding DNS resolver with caching and
optional DNSSEC validation.

fdns answers queries received over:

  - Plain DNS over UDP
  - DNS-over-HTTPS (RFC 8484) wire format, on plain HTTP and on HTTPS

Every listener hands the raw query to one shared resolver. The resolver
answers from the response cache when it can, otherwise it forwards the query
to the configured upstream servers in random order, failing over until one
returns a usable response. With DNSSEC enabled the query is sent with the DO
bit and every answer must carry RRSIGs verifiable against the zone's DNSKEY
set, fetched from the same upstreams. Responses are cached only after they
pass validation. When every upstream fails the client receives SERVFAIL with
an Extended DNS Error explaining the last failure.

Configuration:

fdns reads a TOML file (or YAML, for .yml/.yaml paths). When the default
file is missing it is generated:

	fdns -c fdns.conf

The check command loads and validates a file without starting listeners:

	fdns check -c fdns.conf

Metrics:

When metrics is set, a Prometheus exporter serves /metrics on that address.
*/
package main // import "github.com/semihalev/fdns"
