package main

import (
	"encoding/json"
	"fmt"
	"os"

	"audiomesh/server/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("audiomesh server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "presets":
		return cliPresets(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	n, _ := st.PresetCount()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Presets: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliPresets(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		presets, err := st.ListPresets()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(presets) == 0 {
			fmt.Println("No presets found.")
			return true
		}
		for _, p := range presets {
			var cfg RoutingConfig
			sources := "?"
			if err := json.Unmarshal([]byte(p.ConfigJSON), &cfg); err == nil {
				sources = fmt.Sprintf("%d", len(cfg.Routes))
			}
			fmt.Printf("  %s (%s sources)\n", p.Name, sources)
		}
		return true
	}

	if args[0] == "show" && len(args) > 1 {
		p, ok, err := st.GetPreset(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "no preset %q\n", args[1])
			os.Exit(1)
		}
		fmt.Println(p.ConfigJSON)
		return true
	}

	if args[0] == "delete" && len(args) > 1 {
		if err := st.DeletePreset(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting preset: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted preset %q\n", args[1])
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server presets [list|show <name>|delete <name>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	outPath := "audiomesh-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
