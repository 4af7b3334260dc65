// Keygen writes the RSA keypair PEM files the gateway and store server
// use as trust material.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/runbox/backend/internal/secure"
)

func main() {
	dir := flag.String("dir", ".", "directory for private_key.pem and public_key.pem")
	flag.Parse()

	key, err := secure.GenerateKeyPair()
	if err != nil {
		log.Fatalf("generate keypair: %v", err)
	}
	if err := secure.WriteKeyPair(*dir, key); err != nil {
		log.Fatalf("write keypair: %v", err)
	}
	fmt.Printf("wrote private_key.pem and public_key.pem to %s\n", *dir)
}
