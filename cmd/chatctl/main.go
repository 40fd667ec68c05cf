// chatctl is a small operator client for dm-service. It mints development
// tokens, sends messages and tails a conversation over the websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"dm-service/internal/auth"
	"dm-service/internal/client"
	"dm-service/internal/config"
	"dm-service/internal/logging"
	"dm-service/internal/models"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return nil
	}
	logger, err := logging.New(config.GetEnv("LOG_LEVEL", "warn"), "console")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	switch args[0] {
	case "token":
		return runToken(args[1:])
	case "send":
		return runSend(args[1:])
	case "tail":
		return runTail(args[1:], logger)
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chatctl <command> [flags]

commands:
  token   mint a signed access token
  send    send a message to a user or conversation
  tail    print a conversation live until interrupted`)
}

func runToken(args []string) error {
	var (
		secret   string
		userID   int64
		username string
		ttl      time.Duration
	)
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fs.StringVar(&secret, "secret", config.GetEnv("JWT_SECRET", "secret"), "HMAC signing secret")
	fs.Int64Var(&userID, "user-id", 0, "subject user id")
	fs.StringVar(&username, "username", "", "display name carried in the token")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if userID <= 0 || username == "" {
		return errors.New("--user-id and --username are required")
	}

	token, err := auth.NewVerifier(secret).Issue(auth.Identity{UserID: userID, Username: username}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

type remote struct {
	server string
	token  string
}

func (r *remote) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&r.server, "server", config.GetEnv("DM_SERVER", "http://localhost:8083"), "service base URL")
	fs.StringVar(&r.token, "token", os.Getenv("DM_TOKEN"), "bearer token (see chatctl token)")
}

func (r *remote) check() error {
	if r.token == "" {
		return errors.New("--token or DM_TOKEN is required")
	}
	return nil
}

func runSend(args []string) error {
	var (
		rem            remote
		to             int64
		conversationID int64
		images         []string
		clientToken    string
	)
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	rem.addFlags(fs)
	fs.Int64Var(&to, "to", 0, "recipient user id; creates the conversation on first contact")
	fs.Int64Var(&conversationID, "conversation", 0, "existing conversation id")
	fs.StringSliceVar(&images, "image", nil, "image URL to attach (repeatable)")
	fs.StringVar(&clientToken, "client-token", "", "idempotency token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := rem.check(); err != nil {
		return err
	}
	if (to == 0) == (conversationID == 0) {
		return errors.New("exactly one of --to or --conversation is required")
	}

	req := models.CreateMessageRequest{
		Content:     strings.Join(fs.Args(), " "),
		Images:      images,
		ClientToken: clientToken,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	api := client.NewAPI(rem.server, rem.token, nil)
	var msg models.Message
	var err error
	if to != 0 {
		var conv models.Conversation
		conv, msg, err = api.SendToUser(ctx, to, req)
		conversationID = conv.ID
	} else {
		msg, err = api.CreateMessage(ctx, conversationID, req)
	}
	if err != nil {
		return err
	}
	fmt.Printf("conversation %d message %d at %s\n", conversationID, msg.ID, msg.CreatedAt.Format(time.RFC3339))
	return nil
}

func runTail(args []string, logger *zap.Logger) error {
	var (
		rem            remote
		conversationID int64
		selfID         int64
		pageSize       int
	)
	fs := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	rem.addFlags(fs)
	fs.Int64Var(&conversationID, "conversation", 0, "conversation id")
	fs.Int64Var(&selfID, "self", 0, "your user id, used to mark your own messages")
	fs.IntVar(&pageSize, "page-size", 30, "messages to load on open")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := rem.check(); err != nil {
		return err
	}
	if conversationID <= 0 {
		return errors.New("--conversation is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, websocketURL(rem.server), rem.token, client.ConnOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer conn.Close()

	printer := newPrinter(selfID)
	var view *client.View
	view = client.NewView(client.NewAPI(rem.server, rem.token, nil), conn, conversationID, selfID, client.ViewOptions{
		PageSize: pageSize,
		Logger:   logger,
		OnChange: func() {
			if view != nil {
				printer.render(view)
			}
		},
	})
	if err := view.Open(ctx); err != nil {
		return err
	}
	view.Focus(ctx, true)
	printer.render(view)

	<-ctx.Done()
	return view.Close()
}

func websocketURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	default:
		return server
	}
}
