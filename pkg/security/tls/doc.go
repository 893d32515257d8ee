/*
Package tls serves listener certificates.

A Store maps hostnames to certificates loaded from PEM files. A handshake
is answered with the exact hostname entry, then the "*.parent" wildcard
entry, then the listener's default entry and finally the "*" entry:

	store, err := tls.NewStore(cfg.Certificates)
	if err != nil {
		return err
	}
	store.Start(ctx)

	tlsConfig, err := tls.ServerConfig(store, listenerCfg)

Store.Start polls the files every reload interval and swaps changed
certificates in place. Connections established before a swap keep the
certificate they negotiated; new handshakes see the new one.
*/
package tls
