// Carapace is a TLS-terminating HTTP reverse proxy.
//
// It accepts client connections on one or more listeners, matches each
// request against an ordered route table and forwards it to a healthy
// backend chosen by the configured balancing strategy.
//
// Usage:
//
//	# Start the proxy
//	carapace run --config /etc/carapace/config.yaml
//
//	# Check a configuration file
//	carapace validate --config config.yaml
//
//	# Inspect a running proxy through its admin interface
//	carapace status backends
//	carapace drain backend-1 --wait
//	carapace reload
package main

func main() {
	Execute()
}
