// Command walletcore is a CLI front end over the encrypted key-value
// storage core: enough to bring a flash image up, unlock it, and
// exercise get/set/delete/backup from a shell, the same way gosecret
// exercises a software secret store.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ironledger/storagecore/flashbackup"
	"github.com/ironledger/storagecore/norcow"
	"github.com/ironledger/storagecore/storagecore"
)

func usage() {
	fmt.Fprint(os.Stderr, `walletcore is a command line front end for the encrypted storage core.

Usage:

	walletcore [flags] COMMAND [ARGS...]

Commands:

	has-pin                 report whether a real PIN is set
	rem                     report remaining PIN attempts
	unlock PIN              unlock with PIN
	change-pin OLD NEW      rewrap the device under a new PIN
	get KEY                 read a key (0xNNNN)
	set KEY HEX-VALUE       write a key
	delete KEY              remove a key
	wipe                    factory-reset the device
	backup-save             snapshot the flash image to the backup database
	backup-restore ID       print the entries held in snapshot ID

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "walletcore.yaml", "path to a YAML config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	auditOut := os.Stderr
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open audit log")
		}
		defer f.Close()
		auditOut = f
	}

	secret, err := hardwareSecret(cfg.HardwareSecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load hardware secret")
	}

	flash := norcow.NewFlash(cfg.Flash.SectorSizeBytes)
	store, err := storagecore.New(flash, secret, storagecore.WithAuditWriter(auditOut))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct storage core")
	}
	if err := store.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage core")
	}

	if err := run(store, cfg, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// hardwareSecret reads the manufacturing-time secret a real device
// would hold in a secure element. Absent a configured path, a fixed
// placeholder is used so the binary still runs for local exercise;
// this is never an acceptable default outside of development.
func hardwareSecret(path string) ([]byte, error) {
	if path == "" {
		return []byte("walletcore-dev-placeholder-hardware-secret"), nil
	}
	return os.ReadFile(path)
}

func run(store *storagecore.Store, cfg *Config, cmd string, args []string) error {
	switch cmd {
	case "has-pin":
		has, err := store.HasPin()
		if err != nil {
			return err
		}
		fmt.Println(has)
		return nil

	case "rem":
		rem, err := store.GetPinRem()
		if err != nil {
			return err
		}
		fmt.Println(rem)
		return nil

	case "unlock":
		if len(args) != 1 {
			usage()
		}
		pin, err := parsePin(args[0])
		if err != nil {
			return err
		}
		return store.Unlock(pin)

	case "change-pin":
		if len(args) != 2 {
			usage()
		}
		oldPin, err := parsePin(args[0])
		if err != nil {
			return err
		}
		newPin, err := parsePin(args[1])
		if err != nil {
			return err
		}
		return store.ChangePin(oldPin, newPin)

	case "get":
		if len(args) != 1 {
			usage()
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		val, err := store.Get(key)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(val))
		return nil

	case "set":
		if len(args) != 2 {
			usage()
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		val, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("value must be hex-encoded: %w", err)
		}
		return store.Set(key, val)

	case "delete":
		if len(args) != 1 {
			usage()
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		return store.Delete(key)

	case "wipe":
		return store.Wipe()

	case "backup-save":
		if !cfg.Backup.Enabled {
			return fmt.Errorf("backup is disabled in config")
		}
		return backupSave(store, cfg.Backup.DBPath)

	case "backup-restore":
		if len(args) != 1 {
			usage()
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		return backupRestore(cfg.Backup.DBPath, id)

	default:
		usage()
		return nil
	}
}

func parseKey(s string) (storagecore.Key, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("key must be a 16-bit value (e.g. 0x0101): %w", err)
	}
	return storagecore.Key(v), nil
}

func parsePin(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("PIN must be a decimal number: %w", err)
	}
	return uint32(v), nil
}

func backupSave(store *storagecore.Store, dbPath string) error {
	raw, err := store.ExportEntries()
	if err != nil {
		return err
	}
	entries := make([]flashbackup.Entry, len(raw))
	for i, e := range raw {
		entries[i] = flashbackup.Entry{Key: e.Key, Value: e.Value}
	}
	b, err := flashbackup.Open(dbPath, []byte("walletcore-backup-hmac-key"))
	if err != nil {
		return err
	}
	defer b.Close()
	id, err := b.Save(entries)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func backupRestore(dbPath string, id int64) error {
	b, err := flashbackup.Open(dbPath, []byte("walletcore-backup-hmac-key"))
	if err != nil {
		return err
	}
	defer b.Close()
	entries, err := b.Load(id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%#04x %s\n", e.Key, hex.EncodeToString(e.Value))
	}
	return nil
}
