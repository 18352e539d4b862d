// Command nvsctl inspects and edits an NVS-format partition image backed
// by BadgerDB, the standalone-tool counterpart to the teacher's
// cmd/cli-server: same slog setup and signal-driven graceful shutdown,
// a flag-driven CLI instead of an HTTP mux since this store has no
// network surface of its own.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/sekai02/nvsstore/internal/partition"
	"github.com/sekai02/nvsstore/internal/sys"
	"github.com/sekai02/nvsstore/pkg/nvs"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	dataDir := flag.String("data", "./data/nvs", "BadgerDB directory backing the partition image")
	pages := flag.Uint("pages", 16, "number of 4096-byte pages in the managed region")
	namespace := flag.String("namespace", "", "namespace to operate on")
	cmd := flag.String("cmd", "stats", "one of: stats, set-str, get-str, set-u32, get-u32, erase, list")
	key := flag.String("key", "", "item key")
	value := flag.String("value", "", "value for set-str/set-u32")
	flag.Parse()

	part, err := partition.NewBadgerPartition(*dataDir, sys.PageSize, uint32(*pages))
	if err != nil {
		log.Fatal("open partition: ", err)
	}
	defer part.Close()

	store, err := nvs.Open(part, 0, uint32(*pages), nvs.Options{})
	if err != nil {
		log.Fatal("open store: ", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutting down")
		part.Close()
		os.Exit(0)
	}()

	if err := run(store, *cmd, *namespace, *key, *value); err != nil {
		log.Fatal(err)
	}
}

func run(store *nvs.Store, cmd, namespace, key, value string) error {
	switch cmd {
	case "stats":
		st, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("namespaces: %d\n", st.NamespaceCount)
		fmt.Printf("pages:      %d\n", st.PageCount)
		fmt.Printf("entries:    %s used / %s free / %s total\n",
			humanize.Comma(int64(st.UsedEntries)),
			humanize.Comma(int64(st.FreeEntries)),
			humanize.Comma(int64(st.TotalEntries)))
		return nil

	case "list":
		h, err := store.OpenNamespace(namespace, true)
		if err != nil {
			return err
		}
		defer h.Close()
		it, err := h.Entries(nvs.TypeANY)
		if err != nil {
			return err
		}
		for it.Next() {
			fmt.Printf("%s\t%s\t%s\n", it.Namespace(), it.Type(), it.Key())
		}
		return nil

	case "set-str":
		if key == "" {
			return fmt.Errorf("nvsctl: -key required")
		}
		h, err := store.OpenNamespace(namespace, false)
		if err != nil {
			return err
		}
		defer h.Close()
		return h.SetString(key, value)

	case "get-str":
		h, err := store.OpenNamespace(namespace, true)
		if err != nil {
			return err
		}
		defer h.Close()
		v, err := h.GetString(key)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil

	case "set-u32":
		if key == "" {
			return fmt.Errorf("nvsctl: -key required")
		}
		var v uint32
		if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
			return fmt.Errorf("nvsctl: invalid -value %q: %w", value, err)
		}
		h, err := store.OpenNamespace(namespace, false)
		if err != nil {
			return err
		}
		defer h.Close()
		return h.SetU32(key, v)

	case "get-u32":
		h, err := store.OpenNamespace(namespace, true)
		if err != nil {
			return err
		}
		defer h.Close()
		v, err := h.GetU32(key)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil

	case "erase":
		h, err := store.OpenNamespace(namespace, false)
		if err != nil {
			return err
		}
		defer h.Close()
		return h.Erase(nvs.TypeANY, key)

	default:
		return fmt.Errorf("nvsctl: unknown -cmd %q", cmd)
	}
}
