package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/cobra"

	"github.com/zsiec/tsdecrypt/internal/config"
	"github.com/zsiec/tsdecrypt/internal/control"
	"github.com/zsiec/tsdecrypt/internal/descrambler"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

type ctlOptions struct {
	url      string
	http3    bool
	insecure bool
	redis    bool
	timeout  time.Duration
}

// sender delivers one control message
type sender func(ctx context.Context, msg control.Message) error

func newCtlCommand(root *rootOptions) *cobra.Command {
	opts := &ctlOptions{}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Send keys and pid mappings to a running instance",
		Long: `Send control messages to a running instance through its control API, or
publish them on the Redis control channel with --redis.`,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.url, "url", "http://127.0.0.1:8080/api/v1", "control API base URL")
	flags.BoolVar(&opts.http3, "http3", false, "use HTTP/3 (requires an https URL)")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	flags.BoolVar(&opts.redis, "redis", false, "publish on the configured Redis channel instead of calling the API")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	// flags are parsed by the time send runs
	send := func(cmd *cobra.Command, msg control.Message) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()

		s, closeFn, err := opts.sender(root)
		if err != nil {
			return err
		}
		defer closeFn()
		if err := s(ctx, msg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %#04x ok\n", msg.Type, msg.CaNum)
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "descr <ca_num> <index> <even|odd> <cw>",
			Short: "Install a control word",
			Args:  cobra.ExactArgs(4),
			RunE: func(cmd *cobra.Command, args []string) error {
				caNum, index, err := parseAddress(args[0], args[1])
				if err != nil {
					return err
				}
				parity, err := parseParity(args[2])
				if err != nil {
					return err
				}
				cw, err := scrambler.ParseControlWord(args[3])
				if err != nil {
					return err
				}
				return send(cmd, control.DescrMessage(caNum, index, parity, cw))
			},
		},
		&cobra.Command{
			Use:   "pid <ca_num> <index> <pid>",
			Short: "Map a pid to a key slot, index -1 releases it",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				caNum, index, err := parseAddress(args[0], args[1])
				if err != nil {
					return err
				}
				pid, err := strconv.ParseUint(args[2], 0, 13)
				if err != nil {
					return fmt.Errorf("invalid pid %q: %w", args[2], err)
				}
				return send(cmd, control.PidMessage(caNum, index, int(pid)))
			},
		},
		&cobra.Command{
			Use:   "reset <ca_num>",
			Short: "Drop all keys and pid mappings of a descrambler",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				caNum, err := parseCaNum(args[0])
				if err != nil {
					return err
				}
				return send(cmd, control.ResetMessage(caNum))
			},
		},
		&cobra.Command{
			Use:   "slots [ca_num]",
			Short: "Print the descramblers, or the key slots of one",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, closeFn := opts.client()
				defer closeFn()

				ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				defer cancel()

				var result interface{}
				if len(args) == 0 {
					infos, err := client.List(ctx)
					if err != nil {
						return err
					}
					result = infos
				} else {
					caNum, err := parseCaNum(args[0])
					if err != nil {
						return err
					}
					slots, err := client.Slots(ctx, caNum)
					if err != nil {
						return err
					}
					result = slots
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			},
		},
	)
	return cmd
}

// client builds an API client over HTTP/1.1 or HTTP/3
func (o *ctlOptions) client() (*control.Client, func()) {
	tlsConfig := &tls.Config{InsecureSkipVerify: o.insecure}
	if o.http3 {
		rt := &http3.RoundTripper{TLSClientConfig: tlsConfig}
		return control.NewClient(o.url, &http.Client{Transport: rt}), func() { _ = rt.Close() }
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return control.NewClient(o.url, &http.Client{Transport: transport}), transport.CloseIdleConnections
}

func (o *ctlOptions) sender(root *rootOptions) (sender, func(), error) {
	if !o.redis {
		client, closeFn := o.client()
		return client.Send, closeFn, nil
	}

	cfg, err := config.Load(root.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	rc := control.NewRedisClient(&cfg.Control.Redis)
	channel := cfg.Control.Redis.Channel
	send := func(ctx context.Context, msg control.Message) error {
		return control.Publish(ctx, rc, channel, msg)
	}
	return send, func() { _ = rc.Close() }, nil
}

func parseCaNum(raw string) (uint16, error) {
	v, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid ca_num %q: %w", raw, err)
	}
	return uint16(v), nil
}

func parseAddress(rawCaNum, rawIndex string) (uint16, int, error) {
	caNum, err := parseCaNum(rawCaNum)
	if err != nil {
		return 0, 0, err
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid slot index %q: %w", rawIndex, err)
	}
	return caNum, index, nil
}

func parseParity(raw string) (descrambler.Parity, error) {
	switch raw {
	case "even", "0":
		return descrambler.ParityEven, nil
	case "odd", "1":
		return descrambler.ParityOdd, nil
	}
	return 0, fmt.Errorf("invalid parity %q", raw)
}
