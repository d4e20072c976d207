package main

import (
	"fmt"
	"time"

	"github.com/qvcloud/pricefeed"
	"github.com/spf13/cobra"
)

var (
	sendContentType string
	sendHeaders     map[string]string
)

var sendCmd = &cobra.Command{
	Use:   "send <destination> <body>",
	Short: "Send one message to a broker destination",
	Long: `Connect, send body to destination and disconnect. The body is sent as
given; no reply is awaited.

Example:
  pricewatch send /app/prices/refresh '{"assetClass":"stocks"}'`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendContentType, "content-type", "application/json", "content-type header of the message")
	sendCmd.Flags().StringToStringVar(&sendHeaders, "header", nil, "Extra STOMP headers (key=value)")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	c, zl := newClient(cfg)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Broker.URL, err)
	}
	defer c.Disconnect()

	opts := []pricefeed.SendOption{pricefeed.SendContentType(sendContentType)}
	for k, v := range sendHeaders {
		opts = append(opts, pricefeed.SendHeader(k, v))
	}

	start := time.Now()
	if err := c.Send(ctx, args[0], []byte(args[1]), opts...); err != nil {
		return err
	}
	zl.Info().Str("destination", args[0]).Dur("took", time.Since(start)).Msg("sent")
	return nil
}
