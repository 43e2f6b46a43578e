package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	liteDBName   = "discloser.db"
	seedFileName = "ledger.seed"
)

func setupLiteMode(ctx context.Context, dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, liteDBName)
	log.Printf("[discloser] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

// loadOrGenerateSeed returns the checkpoint signing seed kept under dataDir,
// creating it on first start.
func loadOrGenerateSeed(dataDir string) ([]byte, error) {
	seedPath := filepath.Join(dataDir, seedFileName)
	if raw, err := os.ReadFile(seedPath); err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("invalid %s format: %w", seedFileName, err)
		}
		log.Printf("[discloser] checkpoints: loaded persistent seed")
		return seed, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", seedFileName, err)
	}

	if os.Getenv("DISCLOSER_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires LEDGER_SEED or %s", seedPath)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(seedPath, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", seedFileName, err)
	}
	log.Printf("[discloser] checkpoints: generated new seed at %s", seedPath)
	return seed, nil
}
