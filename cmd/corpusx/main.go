// corpusx is the federated search relay. One binary runs a host, and with
// node.enabled also joins a host as a search node.
//
// Usage:
//
//	corpusx serve  [--config corpusx.yaml] [--listen :8080]
//	corpusx apikey --name lab-1 [--pyre private-net] [--access-all]
//	corpusx pair   --key-id 3 --remote-key <raw> --host peer.example --port 443 --protocol https
//	corpusx send-key --key-id 3 --host node.example --port 8080 --protocol http
//	corpusx grant  --key-id 3 --topic genomics [--project-id 7] [--revoke]
//	corpusx delete-file --id 12
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ssd-technologies/corpusx/internal/artifact"
	"github.com/ssd-technologies/corpusx/internal/config"
	"github.com/ssd-technologies/corpusx/internal/crypto"
	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/logger"
	"github.com/ssd-technologies/corpusx/internal/pairing"
	"github.com/ssd-technologies/corpusx/internal/relay"
	"github.com/ssd-technologies/corpusx/internal/remote"
	"github.com/ssd-technologies/corpusx/internal/search"
	"github.com/ssd-technologies/corpusx/internal/server"
	"github.com/ssd-technologies/corpusx/internal/storage"
	"github.com/ssd-technologies/corpusx/internal/upload"
)

// searchTimeout bounds one queued search.
const searchTimeout = 2 * time.Minute

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "apikey":
		err = cmdAPIKey(os.Args[2:])
	case "pair":
		err = cmdPair(os.Args[2:])
	case "send-key":
		err = cmdSendKey(os.Args[2:])
	case "grant":
		err = cmdGrant(os.Args[2:])
	case "delete-file":
		err = cmdDeleteFile(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		printUsage()
		os.Exit(1)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "corpusx %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: corpusx <command> [flags]

Commands:
  serve       Run the server (and the node agent when node.enabled is set)
  apikey      Create an API key and print it once
  pair        Store the key a peer issued to us and where the peer lives
  send-key    Issue a key for a paired peer and send it to the peer
  grant       Grant or revoke a key's topics and projects
  delete-file Remove a file, its indexed text and its content

Run 'corpusx <command> --help' for details on each command.
`)
}

func loadConfig(fs *pflag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func openDB(cfg *config.Config) (*storage.DB, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.NewDB(filepath.Join(cfg.Server.DataDir, "corpusx.db"))
}

func cmdServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	listen := fs.String("listen", "", "listen address, overrides server.listen_addr")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	arts, err := artifact.NewStore(filepath.Join(cfg.Server.DataDir, "artifacts"))
	if err != nil {
		return err
	}
	uploads, err := upload.NewStore(db, arts, filepath.Join(cfg.Server.DataDir, "uploads"), cfg.Upload.ChunkSize, log.Named("upload"))
	if err != nil {
		return err
	}
	sealer, err := crypto.NewSealer(cfg.Server.Secret)
	if err != nil {
		return err
	}
	pairs := pairing.NewService(db, sealer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	directory := relay.NewDirectory(db)
	router := relay.NewRouter(log.Named("relay"))
	pipeline := search.NewPipeline(db, arts, log.Named("search"))
	hostSearches := search.NewQueue(
		search.NewHostSearchCoordinator(pipeline, db, arts, directory, router, log.Named("search")),
		cfg.Search.Workers, cfg.Search.QueueSize, searchTimeout, log.Named("search"))
	hostSearches.Start(ctx)

	opts := server.DefaultOptions()
	opts.SweepAfter = cfg.Upload.SweepAfter
	srv := server.New(server.Deps{
		DB:        db,
		Artifacts: arts,
		Uploads:   uploads,
		Pairing:   pairs,
		Directory: directory,
		Router:    router,
		Searches:  hostSearches,
		Logger:    log.Named("server"),
	}, opts)
	srv.StartWorkers(ctx)

	if cfg.Node.Enabled {
		nodeSearches, err := startNode(ctx, cfg, db, arts, pairs, pipeline, log.Named("node"))
		if err != nil {
			return err
		}
		defer nodeSearches.Wait()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("corpusx listening", zap.String("addr", cfg.Server.ListenAddr), zap.Bool("node", cfg.Node.Enabled))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	hostSearches.Wait()
	return nil
}

// startNode attaches this instance to its host. Node searches get their own
// queue so they never wait behind host searches.
func startNode(ctx context.Context, cfg *config.Config, db *storage.DB, arts *artifact.Store,
	pairs *pairing.Service, pipeline *search.Pipeline, log *zap.Logger) (*search.Queue, error) {
	client, err := remote.PeerClient(ctx, pairs, cfg.Node.LocalKeyID,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithMaxRetries(cfg.Remote.MaxRetries),
		remote.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}
	log.Info("joining host", zap.String("host", client.BaseURL()))

	uplink := remote.NewHostUplink(client, cfg.Node.Name)
	queue := search.NewQueue(search.NewNodeSearchCoordinator(pipeline, db, arts, uplink, log),
		cfg.Search.Workers, cfg.Search.QueueSize, searchTimeout, log)
	queue.Start(ctx)

	agent := remote.NewAgent(client, remote.AgentConfig{
		Node:  cfg.Node.Name,
		Pyres: cfg.Node.Pyres,
	}, queue, db, arts, log)
	go func() {
		if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("node agent stopped", zap.Error(err))
		}
	}()
	return queue, nil
}

func cmdAPIKey(args []string) error {
	fs := pflag.NewFlagSet("apikey", pflag.ContinueOnError)
	name := fs.String("name", "", "label for the key")
	accessAll := fs.Bool("access-all", false, "grant every project and topic")
	pyres := fs.StringSlice("pyre", nil, "interchanges the key may join (public is implicit)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *name == "" {
		return errors.New("--name is required")
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	raw, err := crypto.GenerateAPIKey()
	if err != nil {
		return err
	}
	k := &storage.APIKey{Name: *name, KeyHash: integrity.HashAPIKey(raw), AccessAll: *accessAll}
	if err := db.CreateAPIKey(ctx, k); err != nil {
		return err
	}
	for _, pyre := range *pyres {
		p, err := db.EnsurePyre(ctx, pyre)
		if err != nil {
			return err
		}
		if err := db.GrantPyre(ctx, k.ID, p.ID); err != nil {
			return err
		}
	}
	fmt.Printf("key id: %d\napi key: %s\n", k.ID, raw)
	fmt.Fprintln(os.Stderr, "The key is not stored and cannot be shown again.")
	return nil
}

func cmdPair(args []string) error {
	fs := pflag.NewFlagSet("pair", pflag.ContinueOnError)
	keyID := fs.Int64("key-id", 0, "local key the pairing belongs to")
	remoteKey := fs.String("remote-key", "", "raw key the peer issued to us")
	var addr pairing.Address
	fs.StringVar(&addr.Host, "host", "", "peer hostname")
	fs.IntVar(&addr.Port, "port", 0, "peer port")
	fs.StringVar(&addr.Protocol, "protocol", "https", "peer protocol")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *keyID == 0 {
		return errors.New("--key-id is required")
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	sealer, err := crypto.NewSealer(cfg.Server.Secret)
	if err != nil {
		return err
	}

	if _, err := pairing.NewService(db, sealer).Pair(context.Background(), *keyID, *remoteKey, addr); err != nil {
		return err
	}
	fmt.Printf("paired key %d with %s\n", *keyID, addr.BaseURL())
	return nil
}
