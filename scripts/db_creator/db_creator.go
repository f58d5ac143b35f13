package main

import (
	"context"
	"fmt"
	"os"

	"SirenServer/internal/config"
	"SirenServer/internal/repository"
	connecter "SirenServer/pkg/dbconnecter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Load config with error: %v\n", err)
		os.Exit(1)
	}

	db, dbName, closer, err := connecter.DbConnecter(cfg.Postgres, true, 3)
	defer closer()
	if err != nil {
		fmt.Printf("DB connection err: %v\n", err)
		os.Exit(1)
	}

	_, err = db.Exec("DROP DATABASE IF EXISTS " + dbName)
	if err != nil {
		fmt.Printf("DB does not deleted %v\n", err)
		os.Exit(1)
	}

	_, err = db.Exec("CREATE DATABASE " + dbName)
	if err != nil {
		fmt.Printf("DB %v not create: %v\n", dbName, err)
		os.Exit(1)
	}

	appDb, _, appCloser, err := connecter.DbConnecter(cfg.Postgres, false, 3)
	defer appCloser()
	if err != nil {
		fmt.Printf("DB %v connection err: %v\n", dbName, err)
		os.Exit(1)
	}

	if err := repository.Migrate(context.Background(), appDb); err != nil {
		fmt.Printf("Schema not applied: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("DB %v created\n", dbName)
}
