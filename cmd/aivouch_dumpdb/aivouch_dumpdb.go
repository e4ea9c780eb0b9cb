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
	destination = flag.String("destination", "", "Restore destination")
	dumpJSON    = flag.Bool("json", false, "Dump JSON")
	restore     = flag.Bool("restore", false, "Restore store, -destination is required")
	fsRoot      = flag.String("source", "", "Source directory")
	testnet     = flag.Bool("testnet", false, "Use testnet store")

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
		if *restore {
			if *destination == "" {
				return fmt.Errorf("-destination must be set")
			}
			s, err = leveldb.NewRestore(*destination)
			break
		}
		root := *fsRoot
		if root == "" {
			root = defaultRoot()
		}
		if !*dumpJSON {
			fmt.Printf("=== Root: %v\n", root)
		}
		s, err = leveldb.NewDump(root)
	case "postgres":
		if *pgHost == "" {
			return fmt.Errorf("-postgreshost must be set")
		}
		s, err = postgres.New("aivouchd", *pgHost, network(),
			*pgRootCert, *pgCert, *pgKey)
	default:
		err = fmt.Errorf("invalid backend: %v", *backendType)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	if *restore {
		return s.Restore(os.Stdin, true, *destination)
	}
	return s.Dump(os.Stdout, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
