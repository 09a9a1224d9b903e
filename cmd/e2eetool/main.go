// Command e2eetool exports and imports encrypted room-key files
// against a crypto store, the offline companion to the machine's
// export_keys / import_keys operations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/cryptomachine/e2eemachine/internal/config"
	"github.com/cryptomachine/e2eemachine/internal/logging"
	"github.com/cryptomachine/e2eemachine/pkg/keyexport"
	"github.com/cryptomachine/e2eemachine/pkg/machine"
	"github.com/cryptomachine/e2eemachine/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: e2eetool [flags] <command>

commands:
  export <file>   export all room keys to an encrypted file
  import <file>   import room keys from an encrypted file
  status          print cross-signing status

flags:
`)
	flag.PrintDefaults()
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		userID     = flag.String("user", "", "user ID (e.g. @alice:example.org)")
		deviceID   = flag.String("device", "", "device ID")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 || *userID == "" || *deviceID == "" {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.Initialize(parseLevel(cfg.Logging.Level), cfg.Logging.Format, cfg.Logging.Output)

	storePass, err := promptPassphrase("Store passphrase: ")
	if err != nil {
		return err
	}

	ctx := context.Background()
	m, err := machine.Open(ctx, cfg, types.UserID(*userID), types.DeviceID(*deviceID), storePass)
	if err != nil {
		return err
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "export":
		if flag.NArg() < 2 {
			return fmt.Errorf("export needs a destination file")
		}
		return exportKeys(ctx, m, flag.Arg(1), cfg.Store.PBKDF2Iterations)
	case "import":
		if flag.NArg() < 2 {
			return fmt.Errorf("import needs a source file")
		}
		return importKeys(ctx, m, flag.Arg(1))
	case "status":
		status := m.CrossSigningStatus()
		fmt.Printf("master: %v\nself-signing: %v\nuser-signing: %v\n",
			status.HasMaster, status.HasSelfSigning, status.HasUserSigning)
		return nil
	default:
		return fmt.Errorf("unknown command %q", flag.Arg(0))
	}
}

func exportKeys(ctx context.Context, m *machine.Machine, path string, rounds int) error {
	pass, err := promptPassphraseTwice("Export passphrase: ")
	if err != nil {
		return err
	}
	keys, err := m.ExportKeys(ctx, nil)
	if err != nil {
		return err
	}
	armored, err := keyexport.Encrypt(keys, pass, rounds)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(armored), 0o600); err != nil {
		return err
	}
	fmt.Printf("exported %d room keys to %s\n", len(keys), path)
	return nil
}

func importKeys(ctx context.Context, m *machine.Machine, path string) error {
	pass, err := promptPassphrase("Import passphrase: ")
	if err != nil {
		return err
	}
	armored, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	keys, err := keyexport.Decrypt(string(armored), pass)
	if err != nil {
		return err
	}
	result, err := m.ImportKeys(ctx, keys, false, func(done, total int) {
		fmt.Printf("\r%d/%d", done, total)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("imported %d of %d room keys\n", result.ImportedCount, result.TotalCount)
	return nil
}

// promptPassphrase reads a passphrase without echoing it.
func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return pass, nil
}

func promptPassphraseTwice(prompt string) ([]byte, error) {
	first, err := promptPassphrase(prompt)
	if err != nil {
		return nil, err
	}
	second, err := promptPassphrase("Confirm: ")
	if err != nil {
		return nil, err
	}
	if string(first) != string(second) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
