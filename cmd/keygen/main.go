package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/lestonEth/dnstore/internal/crypt"
	"github.com/lestonEth/dnstore/internal/identity"
)

func main() {
	keyFile := flag.String("key", "data/config/node.key", "node identity key file")
	secretFile := flag.String("secret", "data/config/secret.txt", "shard encryption key file")
	force := flag.Bool("force", false, "overwrite existing files")
	flag.Parse()

	if *force {
		os.Remove(*keyFile)
		os.Remove(*secretFile)
	}

	id, err := identity.LoadOrCreate(*keyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create identity key")
	}
	if _, err := crypt.LoadOrCreateKeyFile(*secretFile); err != nil {
		log.Fatal().Err(err).Msg("failed to create secret file")
	}

	fmt.Printf("node address: %s\n", id.Address())
	fmt.Printf("identity key: %s\n", *keyFile)
	fmt.Printf("secret file:  %s\n", *secretFile)
}
