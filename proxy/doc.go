// Package proxy runs the per-transport loopback SOCKS5 listeners. Each
// Listener binds 127.0.0.1 only while it is activated and its transport is
// usable according to netmon, and relays every CONNECT through a socket
// bound to the transport's current network.
package proxy
