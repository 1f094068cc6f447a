// Command sukunadb_cli is the interactive shell over the storage
// engine. It parses insert/select/delete statements, runs each one in
// its own transaction and prints the resulting rows.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/sukunadb/core/db"
	"github.com/sushant-115/sukunadb/pkg/logger"
	"github.com/sushant-115/sukunadb/pkg/telemetry"
)

// CLI defines the command-line interface.
var CLI struct {
	Path        string `arg:"" help:"Database file path." type:"path"`
	PageSize    int    `help:"Page size when creating a fresh database file (0 = host page size)." default:"0"`
	MmapSize    int    `help:"Initial size of the read mmap in bytes (0 = default)." default:"0"`
	ReadOnly    bool   `help:"Open the database read-only."`
	LogLevel    string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFormat   string `help:"Log format (console or json)." default:"console"`
	LogFile     string `help:"Log output (stdout, stderr or a file path)." default:"stderr"`
	MetricsPort int    `help:"Expose Prometheus metrics on this port (0 disables)." default:"0"`
}

func main() {
	kctx := kong.Parse(&CLI, kong.Name("sukunadb_cli"),
		kong.Description("Interactive shell for a sukunadb database file."))

	log, err := logger.New(logger.Config{
		Level:      CLI.LogLevel,
		Format:     CLI.LogFormat,
		OutputFile: CLI.LogFile,
	})
	kctx.FatalIfErrorf(err)
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        CLI.MetricsPort > 0,
		ServiceName:    "sukunadb_cli",
		PrometheusPort: CLI.MetricsPort,
	})
	kctx.FatalIfErrorf(err)
	defer shutdownTelemetry(context.Background())

	database, err := db.Open(CLI.Path, db.Options{
		PageSize:     CLI.PageSize,
		MmapInitSize: CLI.MmapSize,
		ReadOnly:     CLI.ReadOnly,
		Logger:       log,
		Meter:        tel.Meter,
	})
	kctx.FatalIfErrorf(err)
	defer func() {
		if err := database.Close(); err != nil {
			log.Error("close database", zap.Error(err))
		}
	}()

	rl, err := readline.New("sukunadb> ")
	kctx.FatalIfErrorf(err)
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read error: %v\n", err)
			return
		}
		if line == "" {
			continue
		}
		stmt, err := parseStatement(line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if stmt.kind == stmtExit {
			return
		}
		if err := execute(database, stmt); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func execute(database *db.DB, stmt statement) error {
	switch stmt.kind {
	case stmtInsert:
		value, err := stmt.row.Encode()
		if err != nil {
			return err
		}
		return inWriteTx(database, func(tx *db.Tx) error {
			return tx.Insert(stmt.row.ID, value)
		})
	case stmtDelete:
		return inWriteTx(database, func(tx *db.Tx) error {
			return tx.Delete(stmt.key)
		})
	case stmtSelect:
		count := 0
		err := database.View(func(tx *db.Tx) error {
			return tx.ForEach(func(key uint64, value []byte) error {
				row := DecodeRow(key, value)
				fmt.Printf("(%d, %s, %s)\n", row.ID, row.Username, row.Email)
				count++
				return nil
			})
		})
		if err != nil {
			return err
		}
		fmt.Printf("%d row(s)\n", count)
		return nil
	default:
		return fmt.Errorf("unhandled statement kind %d: %w", stmt.kind, errSyntax)
	}
}

// inWriteTx runs fn in a write transaction, committing on success and
// rolling back on failure.
func inWriteTx(database *db.DB, fn func(*db.Tx) error) error {
	tx, err := database.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
