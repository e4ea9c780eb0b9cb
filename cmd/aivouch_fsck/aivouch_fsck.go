// Copyright (c) 2024-2025 The aivouch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aivouch/aivouch/aivouchd/store"
	"github.com/aivouch/aivouch/aivouchd/store/leveldb"
	"github.com/aivouch/aivouch/aivouchd/store/postgres"
)

var (
	backendType = flag.String("backend", "leveldb", "leveldb or postgres")
	file        = flag.String("file", "", "journal of findings if used")
	printHashes = flag.Bool("printhashes", false, "Print all hashes")
	fsRoot      = flag.String("source", "", "Source directory")
	testnet     = flag.Bool("testnet", false, "Use testnet store")
	verbose     = flag.Bool("v", false, "Print more information during run")

	pgHost     = flag.String("postgreshost", "", "Postgres ip:port")
	pgRootCert = flag.String("postgresrootcert", "", "CA certificate for postgres")
	pgCert     = flag.String("postgrescert", "", "Client certificate for postgres")
	pgKey      = flag.String("postgreskey", "", "Client certificate key for postgres")
)

func network() string {
	if *testnet {
		return "testnet"
	}
	return "mainnet"
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".aivouchd", "data", network())
}

func _main() error {
	flag.Parse()

	var (
		s   store.Store
		err error
	)
	switch *backendType {
	case "leveldb":
		root := *fsRoot
		if root == "" {
			root = defaultRoot()
		}
		fmt.Printf("=== Root: %v\n", root)
		s, err = leveldb.NewDump(root)
	case "postgres":
		if *pgHost == "" {
			return fmt.Errorf("-postgreshost must be set")
		}
		s, err = postgres.New("aivouchd", *pgHost, network(),
			*pgRootCert, *pgCert, *pgKey)
	default:
		return fmt.Errorf("invalid backend: %v", *backendType)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Fsck(&store.FsckOptions{
		Verbose:     *verbose,
		PrintHashes: *printHashes,
		File:        *file,
	})
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
