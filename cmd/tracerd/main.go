// Command tracerd runs the background daemon (C9): it tails the local
// coding agent's journals, derives activity events, and ships them to
// each configured team instance. The supervisor itself owns SIGTERM/
// SIGINT (drain and exit) and SIGHUP (reload) handling; this entrypoint
// only starts it and waits for it to finish.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/overlap-dev/tracer/internal/config"
	"github.com/overlap-dev/tracer/internal/tracer"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (defaults to the per-user state directory)")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		var err error
		cfgPath, err = config.DefaultConfigPath()
		if err != nil {
			log.Fatalf("resolving default config path: %v", err)
		}
	}

	sup := tracer.New(cfgPath)

	if err := sup.Start(context.Background()); err != nil {
		log.Fatalf("starting tracer: %v", err)
	}
	log.Printf("tracerd started, state %s", sup.State())

	<-sup.Stopped()
	log.Println("tracerd stopped")
}
