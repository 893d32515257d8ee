// Package security groups the transport security packages of the proxy.
// Listener certificates live in the tls subpackage.
package security
