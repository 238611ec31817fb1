package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/arrowport/arrowport/internal/server"
	"github.com/arrowport/arrowport/pkg/backend"
	"github.com/arrowport/arrowport/pkg/backend/delta"
	"github.com/arrowport/arrowport/pkg/backend/duckdb"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/loader"
	"github.com/arrowport/arrowport/pkg/logger"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "arrowport",
		Short: "Arrowport - Arrow-native stream ingestion service",
		Long: `Arrowport receives Arrow record batches over HTTP and Arrow Flight and
loads them transactionally into DuckDB tables or Delta-style table stores.
Stream routing is defined in a YAML file that reloads on change without a restart.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Arrowport v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(newServeCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newStreamsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newServeCmd builds the serve command. Settings resolve in order:
// flags, then ARROWPORT_* environment variables, then the config file,
// then built-in defaults.
func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion server",
		Long: `Run the HTTP and Arrow Flight intakes.

Example:
  arrowport serve --config arrowport.yaml --http-addr :8088 --flight-addr :8815`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveServerConfig(cmd, configFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	defaults := config.DefaultServerConfig()
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to server configuration YAML file (optional)")
	cmd.Flags().String("http-addr", defaults.HTTPAddr, "HTTP intake listen address")
	cmd.Flags().String("flight-addr", defaults.FlightAddr, "Arrow Flight intake listen address")
	cmd.Flags().String("db-path", defaults.DBPath, "DuckDB database file (empty for in-memory)")
	cmd.Flags().String("delta-root", defaults.DeltaRoot, "Root directory of the delta table store")
	cmd.Flags().String("streams", defaults.StreamsPath, "Stream definition YAML watched for changes")
	cmd.Flags().Int("pool-size", defaults.PoolSize, "Embedded backend connection pool size")
	cmd.Flags().String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")

	return cmd
}

// resolveServerConfig merges flags, environment and the optional config
// file through viper.
func resolveServerConfig(cmd *cobra.Command, configFile string) (config.ServerConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("ARROWPORT")
	v.AutomaticEnv()

	defaults := config.DefaultServerConfig()
	v.SetDefault("http_addr", defaults.HTTPAddr)
	v.SetDefault("flight_addr", defaults.FlightAddr)
	v.SetDefault("db_path", defaults.DBPath)
	v.SetDefault("delta_root", defaults.DeltaRoot)
	v.SetDefault("streams_path", defaults.StreamsPath)
	v.SetDefault("pool_size", defaults.PoolSize)
	v.SetDefault("log_level", defaults.LogLevel)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config.ServerConfig{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// Explicit flags win over everything.
	bind := map[string]string{
		"http_addr":    "http-addr",
		"flight_addr":  "flight-addr",
		"db_path":      "db-path",
		"delta_root":   "delta-root",
		"streams_path": "streams",
		"pool_size":    "pool-size",
		"log_level":    "log-level",
	}
	for key, flag := range bind {
		if cmd.Flags().Changed(flag) {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return config.ServerConfig{}, err
			}
		}
	}

	var cfg config.ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return config.ServerConfig{}, fmt.Errorf("parse configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg config.ServerConfig) error {
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: "json"}); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	log := logger.Get().With(zap.String("component", "arrowport"))
	defer func() { _ = logger.Sync() }()

	store, err := config.NewStore(cfg.StreamsPath, log)
	if err != nil {
		return fmt.Errorf("load stream definitions: %w", err)
	}

	embedded, err := duckdb.New(cfg.DBPath, cfg.PoolSize, log)
	if err != nil {
		return fmt.Errorf("open embedded backend: %w", err)
	}
	defer func() { _ = embedded.Close() }()

	deltaStore, err := delta.New(cfg.DeltaRoot, log)
	if err != nil {
		return fmt.Errorf("open delta store: %w", err)
	}

	ld := loader.New(store, map[config.BackendKind]backend.Backend{
		config.BackendEmbedded: embedded,
		config.BackendACID:     deltaStore,
	}, log)

	srv, err := server.New(cfg, store, ld, deltaStore, log)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting arrowport",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("flight_addr", cfg.FlightAddr),
		zap.String("streams_path", cfg.StreamsPath))

	return srv.Run(ctx)
}

// newIngestCmd pushes an Arrow IPC file to a running server over the
// Flight intake.
func newIngestCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "ingest <stream> <file>",
		Short: "Push an Arrow IPC file to a stream over Arrow Flight",
		Long: `Read record batches from an Arrow IPC file (stream or file format)
and append them to the named stream over the Flight intake.

Example:
  arrowport ingest sensor_readings readings.arrow --addr localhost:8815`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := ingest(cmd.Context(), addr, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Ingested %d rows into stream %q\n", rows, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8815", "Arrow Flight intake address")
	return cmd
}

func ingest(ctx context.Context, addr, streamName, path string) (int64, error) {
	records, err := readIPCFile(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()
	if len(records) == 0 {
		return 0, fmt.Errorf("%s contains no record batches", path)
	}

	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return 0, fmt.Errorf("open ingest stream: %w", err)
	}

	desc, err := json.Marshal(map[string]string{"stream_name": streamName})
	if err != nil {
		return 0, err
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(records[0].Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  desc,
	})
	for _, rec := range records {
		if err := wr.Write(rec); err != nil {
			return 0, fmt.Errorf("send batch: %w", err)
		}
	}
	if err := wr.Close(); err != nil {
		return 0, fmt.Errorf("close record stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return 0, fmt.Errorf("finish ingest stream: %w", err)
	}

	var rows int64
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return rows, fmt.Errorf("ingest failed: %w", err)
		}
		var ack struct {
			RowsProcessed int64 `json:"rows_processed"`
		}
		if err := json.Unmarshal(res.AppMetadata, &ack); err == nil {
			rows += ack.RowsProcessed
		}
	}
}

// readIPCFile loads every record batch from an Arrow IPC payload,
// accepting both the stream format and the random-access file format.
// The returned records are retained and must be released by the caller.
func readIPCFile(path string) ([]arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []arrow.Record
	release := func() {
		for _, rec := range records {
			rec.Release()
		}
	}

	if rdr, err := ipc.NewReader(f); err == nil {
		defer rdr.Release()
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			records = append(records, rec)
		}
		if err := rdr.Err(); err != nil {
			release()
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return records, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	frdr, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s is not an Arrow IPC stream or file: %w", path, err)
	}
	defer func() { _ = frdr.Close() }()
	for i := 0; i < frdr.NumRecords(); i++ {
		rec, err := frdr.RecordAt(i)
		if err != nil {
			release()
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// newStreamsCmd lists the streams defined in a routing file with their
// resolved settings.
func newStreamsCmd() *cobra.Command {
	var streamsPath string

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List configured streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.NewStore(streamsPath, zap.NewNop())
			if err != nil {
				return err
			}
			snap := store.Snapshot()
			if len(snap.Streams) == 0 {
				fmt.Println("No streams configured; all streams use the default routing.")
			}
			for name := range snap.Streams {
				resolved := store.Resolve(name, nil)
				fmt.Printf("  - %s -> table=%s backend=%s\n", name, resolved.TargetTable, resolved.Backend)
			}
			fmt.Printf("\nDefault backend: %s\n", snap.Default.Backend)
			return nil
		},
	}

	cmd.Flags().StringVar(&streamsPath, "streams", config.DefaultServerConfig().StreamsPath, "Stream definition YAML file")
	return cmd
}
