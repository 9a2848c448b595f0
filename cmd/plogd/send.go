package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/pkg/client"
	"github.com/spf13/cobra"
)

var (
	sendAddr      string
	sendTags      []string
	sendChunkSize int
	cmdTimeout    time.Duration
)

var defaultAddr = fmt.Sprintf("127.0.0.1:%d", config.DefaultUDPPort)

func newSendCmd() *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send messages to a plogd listener",
		Long: `Send each argument as one message, or each line of stdin when no
arguments are given.

Examples:
  plogd send "disk almost full" --tag kt:alerts
  tail -f app.log | plogd send --addr logs.example.com:23456`,
		RunE: runSend,
	}
	sendCmd.Flags().StringVarP(&sendAddr, "addr", "a", defaultAddr, "listener address")
	sendCmd.Flags().StringArrayVarP(&sendTags, "tag", "t", nil, "tag to attach (repeatable)")
	sendCmd.Flags().IntVar(&sendChunkSize, "chunk-size", client.DefaultChunkSize, "largest datagram to send, header included")
	return sendCmd
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := client.Dial(sendAddr, client.WithChunkSize(sendChunkSize), client.WithTags(sendTags...))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if len(args) > 0 {
		for _, msg := range args {
			if err := c.Send(ctx, []byte(msg)); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := c.Send(ctx, scanner.Bytes()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func newCommandCmd() *cobra.Command {
	commandCmd := &cobra.Command{
		Use:   "cmd NAME [trailer]",
		Short: "Send a four-letter command and print the reply",
		Long: `Send PING, STAT, ENVI or KILL to a listener.

Examples:
  plogd cmd PING
  plogd cmd STAT --addr 10.0.0.5:23456`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runCommand,
	}
	commandCmd.Flags().StringVarP(&sendAddr, "addr", "a", defaultAddr, "listener address")
	commandCmd.Flags().DurationVar(&cmdTimeout, "timeout", client.DefaultCommandTimeout, "how long to wait for the reply")
	return commandCmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	c, err := client.Dial(sendAddr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	var trailer []byte
	if len(args) == 2 {
		trailer = []byte(args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	reply, err := c.Command(ctx, strings.ToUpper(args[0]), trailer)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	return err
}
