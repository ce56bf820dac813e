package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"samotop/delivery"
	"samotop/smtp"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var sendCmd = &cobra.Command{
	Use:   "send --server host:port --from addr --to addr [--to addr...] < message",
	Short: "Relay one message read from stdin through an SMTP server",
	Args:  cobra.NoArgs,
	RunE:  runSend,
}

func registerSendFlags(f *pflag.FlagSet) {
	f.String("server", "localhost:25", "Relay address as host:port")
	f.String("from", "", "Envelope sender; empty sends a null reverse path")
	f.StringArray("to", nil, "Envelope recipient (repeatable)")
	f.String("security", "opportunistic", "opportunistic, required, wrapper or none")
	f.String("hello", delivery.DefaultHelloName, "Name sent with EHLO")
	f.String("username", "", "AUTH user name")
	f.String("password", "", "AUTH password")
	f.Bool("allow-insecure-auth", false, "Allow AUTH over an unencrypted connection")
	f.Duration("timeout", delivery.DefaultTimeout, "Timeout for each SMTP exchange")
}

func runSend(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	str := func(name string) string {
		v, _ := f.GetString(name)
		return v
	}
	to, _ := f.GetStringArray("to")
	insecure, _ := f.GetBool("allow-insecure-auth")
	timeout, _ := f.GetDuration("timeout")

	cfg := delivery.Config{
		Address:           str("server"),
		HelloName:         str("hello"),
		Security:          str("security"),
		Timeout:           timeout,
		Username:          str("username"),
		Password:          str("password"),
		AllowInsecureAuth: insecure,
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	env, err := envelope(str("from"), to)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 4*cfg.Timeout)
	defer cancel()
	id, err := send(ctx, cfg, env, cmd.InOrStdin())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func envelope(from string, to []string) (delivery.Envelope, error) {
	env := delivery.Envelope{ID: uuid.NewString(), From: smtp.NullPath()}
	if len(to) == 0 {
		return env, fmt.Errorf("at least one --to recipient is required")
	}
	if from != "" {
		p, err := smtp.ParsePath("<"+from+">", true)
		if err != nil {
			return env, fmt.Errorf("invalid sender %q: %w", from, err)
		}
		env.From = p
	}
	for _, addr := range to {
		p, err := smtp.ParsePath("<"+addr+">", true)
		if err != nil {
			return env, fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		env.To = append(env.To, p)
	}
	return env, nil
}

// send relays body and returns the server's acceptance text.
func send(ctx context.Context, cfg delivery.Config, env delivery.Envelope, body io.Reader) (string, error) {
	tr := delivery.NewTransport(cfg, nil)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tr.Close(closeCtx)
	}()

	ds, err := tr.Send(ctx, env)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(ds, body); err != nil {
		_ = ds.Abort()
		return "", err
	}
	if err := ds.Close(); err != nil {
		return "", err
	}
	return ds.Response(), nil
}
