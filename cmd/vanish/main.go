package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"vanish/internal/bundle"
	"vanish/internal/client"
)

const defaultServer = "http://localhost:8080"

const usage = `usage: vanish <command> [flags] [args]

commands:
  send   upload files or directories as a dead drop
  get    download a dead drop by code
  share  create a share from a file or stdin
  read   print a share by code

The server address is read from VANISH_SERVER (default ` + defaultServer + `).
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	server := os.Getenv("VANISH_SERVER")
	if server == "" {
		server = defaultServer
	}

	app := &app{
		api:    client.New(server, nil),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		now:    time.Now,
	}
	if err := app.run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	api    *client.Client
	stdin  io.Reader
	stdout io.Writer
	now    func() time.Time
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.stdout, usage)
		return flag.ErrHelp
	}

	switch args[0] {
	case "send":
		return a.send(ctx, args[1:])
	case "get":
		return a.get(ctx, args[1:])
	case "share":
		return a.share(ctx, args[1:])
	case "read":
		return a.read(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	password := fs.String("password", "", "require this password to download")
	downloads := fs.Int("downloads", 1, "download limit (-1 for unlimited)")
	expires := fs.Int("expires", 0, "hours until expiry (server default when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sources, err := bundle.ParseArgs(fs.Args())
	if err != nil {
		return err
	}
	b, err := bundle.Build(sources, a.now())
	if err != nil {
		return err
	}
	if len(sources) > 1 || sources[0].Dir {
		fmt.Fprintf(a.stdout, "✓ Bundled %d files into %s (%d bytes)\n", len(b.Entries), b.Name, b.Size)
	}

	ticket, err := a.api.InitUpload(ctx, client.UploadRequest{
		Name:           b.Name,
		Size:           b.Size,
		MimeType:       b.MimeType,
		ExpiresInHours: *expires,
		MaxDownloads:   downloads,
		Password:       *password,
	})
	if err != nil {
		return fmt.Errorf("start upload: %w", err)
	}

	committed, err := a.upload(ctx, b, ticket)
	if err != nil {
		if abortErr := a.api.AbortUpload(context.WithoutCancel(ctx), ticket.SessionID); abortErr != nil {
			fmt.Fprintf(os.Stderr, "warning: abort upload: %v\n", abortErr)
		}
		return err
	}

	fmt.Fprintf(a.stdout, "✓ Uploaded %s\n", b.Name)
	fmt.Fprintf(a.stdout, "  code:    %s\n", committed.Code)
	fmt.Fprintf(a.stdout, "  url:     %s\n", committed.URL)
	fmt.Fprintf(a.stdout, "  expires: %s\n", committed.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func (a *app) upload(ctx context.Context, b *bundle.Bundle, ticket *client.UploadTicket) (*client.CommittedFile, error) {
	r, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if err := a.api.UploadData(ctx, ticket.SessionID, r, b.Size); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	committed, err := a.api.CompleteUpload(ctx, ticket.SessionID)
	if err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return committed, nil
}

func (a *app) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	password := fs.String("password", "", "password for protected drops")
	outDir := fs.String("o", ".", "directory to write the file into")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get takes exactly one code")
	}
	code := fs.Arg(0)

	info, err := a.api.FileInfo(ctx, code)
	if err != nil {
		return err
	}
	if info.RequiresPassword && *password == "" {
		return errors.New("this file is password protected, pass -password")
	}

	prepared, err := a.api.PrepareDownload(ctx, code, *password)
	if err != nil {
		return err
	}
	body, name, err := a.api.Download(ctx, prepared.DownloadURL)
	if err != nil {
		return err
	}
	defer body.Close()

	if name == "" {
		name = info.Name
	}
	dest := outputPath(*outDir, name)
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}

	fmt.Fprintf(a.stdout, "✓ Saved %s (%d bytes)\n", dest, n)
	return nil
}

// outputPath keeps server-supplied names inside dir.
func outputPath(dir, name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		name = "download.bin"
	}
	return filepath.Join(dir, name)
}

func (a *app) share(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("share", flag.ContinueOnError)
	kind := fs.String("type", "paste", "share type: link, paste, note, code, json, csv")
	burn := fs.Bool("burn", false, "destroy after the first read")
	password := fs.String("password", "", "require this password to read")
	expires := fs.Int("expires", 0, "hours until expiry (server default when 0)")
	language := fs.String("lang", "", "syntax highlighting hint for code shares")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("share takes exactly one file, or - for stdin")
	}

	var (
		content []byte
		name    string
		err     error
	)
	if src := fs.Arg(0); src == "-" {
		content, err = io.ReadAll(a.stdin)
	} else {
		content, err = os.ReadFile(src)
		name = filepath.Base(src)
	}
	if err != nil {
		return err
	}

	created, err := a.api.CreateShare(ctx, client.ShareRequest{
		Type:             *kind,
		Content:          string(content),
		ExpiresInHours:   *expires,
		Password:         *password,
		BurnAfterReading: *burn,
		Language:         *language,
		OriginalName:     name,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "✓ Shared\n")
	fmt.Fprintf(a.stdout, "  code:    %s\n", created.Code)
	fmt.Fprintf(a.stdout, "  url:     %s\n", created.URL)
	fmt.Fprintf(a.stdout, "  expires: %s\n", created.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func (a *app) read(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	password := fs.String("password", "", "password for protected shares")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("read takes exactly one code")
	}

	share, err := a.api.GetShare(ctx, fs.Arg(0), *password)
	if client.NeedsPassword(err) {
		return errors.New("this share is password protected, pass -password")
	}
	if err != nil {
		return err
	}

	fmt.Fprint(a.stdout, share.Content)
	if !strings.HasSuffix(share.Content, "\n") {
		fmt.Fprintln(a.stdout)
	}
	if share.Burned {
		fmt.Fprintln(os.Stderr, "(this share has now been destroyed)")
	}
	return nil
}
