package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrUnknownMigrateAction is returned for an unrecognised subcommand.
var ErrUnknownMigrateAction = errors.New("unknown migrate action")

// RunMigrateCommand implements `stimtune migrate <action>` against dbPath.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" {
		PrintMigrateHelp(out)
		if len(args) < 1 {
			return errors.New("missing migrate action")
		}
		return nil
	}

	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	action := args[0]
	switch action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return reportStatus(database, out)

	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return reportStatus(database, out)

	case "status":
		return reportStatus(database, out)

	case "version":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(uint(v)); err != nil {
			return err
		}
		return reportStatus(database, out)

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Forced schema version to %d\n", v)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: %s", ErrUnknownMigrateAction, action)
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: stimtune migrate %s <version_number>", args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[1])
	}
	return v, nil
}

func reportStatus(database *DB, out io.Writer) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Database:        %s\n", database.Path())
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest version:  %d\n", latest)
	if dirty {
		fmt.Fprintln(out, "State:           DIRTY (fix the schema, then run 'migrate force <version>')")
	} else if version < latest {
		fmt.Fprintf(out, "State:           %d migration(s) pending\n", latest-version)
	} else {
		fmt.Fprintln(out, "State:           up to date")
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: stimtune migrate <action> [args]

Actions:
  up                 Apply all pending migrations
  down               Roll back the most recent migration
  status             Show current and latest schema versions
  version <n>        Migrate up or down to version n
  force <n>          Mark version n as applied without running it (recovery only)
  help               Show this help
`)
}
