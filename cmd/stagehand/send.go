package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrej220/stagehand/internal/inbound"
)

func newSendCmd() *cobra.Command {
	var (
		addr    string
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "send",
		Short:   "Submit a command request to a running inbound listener",
		Example: `echo '{"target": "mongod.0", "exec": ["pkill", "-STOP", "mongod"]}' | stagehand send --addr 127.0.0.1:27007`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, err := inbound.Send(ctx, addr, payload)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(reply, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if reply.StatusCode != inbound.CodeOK {
				return fmt.Errorf("request failed: %s", reply.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:27007", "inbound listener address")
	cmd.Flags().StringVarP(&file, "file", "f", "", "request file, stdin when empty")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "time to wait for the reply")
	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(file)
}
