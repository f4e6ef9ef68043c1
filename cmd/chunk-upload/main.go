// Chunk upload client
//
// Sub-commands:
//
//	chunk-upload upload [flags] <file>   Upload a file (default)
//	chunk-upload status [flags] <id>     Show received chunks of a session
//	chunk-upload abort [flags] <id>      Discard a session and its parts
//	chunk-upload watch [flags]           Stream upload events as JSON lines
//	chunk-upload token [flags]           Mint a bearer token from JWT_SECRET
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ardzix/masjid-display-service/internal/auth"
	"github.com/ardzix/masjid-display-service/internal/logging"
	"github.com/ardzix/masjid-display-service/pkg/client"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			cmdStatus(os.Args[2:])
			return
		case "abort":
			cmdAbort(os.Args[2:])
			return
		case "watch":
			cmdWatch(os.Args[2:])
			return
		case "token":
			cmdToken(os.Args[2:])
			return
		case "upload":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}
	cmdUpload()
}

func commonFlags(fs *flag.FlagSet) (server, token *string, verbose *bool) {
	server = fs.String("server", envOr("UPLOAD_SERVER", "http://localhost:8080"), "Server URL")
	token = fs.String("token", os.Getenv("UPLOAD_TOKEN"), "Bearer token")
	verbose = fs.Bool("v", false, "Debug logging")
	return
}

func initLogging(verbose bool) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	server, token, verbose := commonFlags(fs)
	name := fs.String("name", "", "File name on the server (default: base name of <file>)")
	contentType := fs.String("type", "", "Content type (default: sniffed)")
	description := fs.String("description", "", "File description")
	folder := fs.String("folder", "", "Target folder")
	resume := fs.String("resume", "", "Resume an existing upload session")
	chunkSize := fs.Int("chunk-size", client.DefaultChunkSize, "Encoded characters per chunk")
	concurrency := fs.Int("concurrency", client.DefaultConcurrency, "Parallel chunk transfers")
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chunk-upload upload [flags] <file>")
		os.Exit(2)
	}
	initLogging(*verbose)
	defer logging.Sync()

	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Fatal("read file", zap.String("path", path), zap.Error(err))
	}
	fileName := *name
	if fileName == "" {
		fileName = filepath.Base(path)
	}

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(client.Config{
		BaseURL:     *server,
		AuthToken:   *token,
		ChunkSize:   *chunkSize,
		Concurrency: *concurrency,
	})

	start := time.Now()
	res, err := c.Upload(ctx, fileName, data, client.UploadOptions{
		ContentType: *contentType,
		Description: *description,
		Folder:      *folder,
		UploadID:    *resume,
	})
	if err != nil {
		if re, ok := client.AsRejected(err); ok {
			fmt.Fprintf(os.Stderr, "upload rejected: %v\n", re)
			os.Exit(1)
		}
		logging.Fatal("upload failed", zap.String("file", fileName), zap.Error(err))
	}

	logging.Info("upload complete",
		zap.String("file_id", res.FileID),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)))
	printJSON(res)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server, token, verbose := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chunk-upload status [flags] <upload-id>")
		os.Exit(2)
	}
	initLogging(*verbose)

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(client.Config{BaseURL: *server, AuthToken: *token})
	st, err := c.Status(ctx, fs.Arg(0))
	if err != nil {
		logging.Fatal("status failed", zap.Error(err))
	}
	printJSON(st)
}

func cmdAbort(args []string) {
	fs := flag.NewFlagSet("abort", flag.ExitOnError)
	server, token, verbose := commonFlags(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: chunk-upload abort [flags] <upload-id>")
		os.Exit(2)
	}
	initLogging(*verbose)

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(client.Config{BaseURL: *server, AuthToken: *token})
	if err := c.Abort(ctx, fs.Arg(0)); err != nil {
		logging.Fatal("abort failed", zap.Error(err))
	}
	fmt.Println("aborted", fs.Arg(0))
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	server, token, verbose := commonFlags(fs)
	fs.Parse(args)
	initLogging(*verbose)

	ctx, cancel := signalContext()
	defer cancel()

	c := client.New(client.Config{BaseURL: *server, AuthToken: *token})
	enc := json.NewEncoder(os.Stdout)
	for evt := range c.Watch(ctx) {
		enc.Encode(evt)
	}
}

// cmdToken mints an HMAC token for operators and scripts that share the
// server's JWT_SECRET.
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "Signing secret (default: $JWT_SECRET)")
	subject := fs.String("subject", "", "Caller ID (required)")
	username := fs.String("username", "", "Display name (default: subject)")
	admin := fs.Bool("admin", false, "Grant admin access")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(args)

	if *secret == "" || *subject == "" {
		fmt.Fprintln(os.Stderr, "usage: chunk-upload token -subject <id> [-secret <s>] [-admin] [-ttl 24h]")
		os.Exit(2)
	}
	if *username == "" {
		*username = *subject
	}

	token, expires, err := auth.New(*secret).IssueToken(*subject, *username, *admin, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"token": token, "expires_at": expires})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
