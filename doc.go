// Package frpbox supervises frp workers (frpc and frps) and ties them to
// per-interface SOCKS5 proxies.
//
// A Task names one worker configuration as "kind/name", for example
// "frpc/home.toml". Start spawns the kind's binary with "-c name" in the
// kind's config directory and keeps the last lines of its output. A task
// can be linked to the Wi-Fi or cellular proxy: its worker then receives
// ALL_PROXY pointing at the loopback listener of that transport, starts only
// once the listener is reachable, and is suspended and restarted as the
// network comes and goes.
//
// Basic usage:
//
//	cfg, err := frpbox.LoadConfig("frpbox.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sup, err := frpbox.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sup.Close(context.Background())
//
//	res, err := sup.Start(ctx, frpbox.Task{Kind: frpbox.KindClient, Name: "home.toml"})
package frpbox
